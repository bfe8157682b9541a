package main

import (
	"fmt"
	"os"

	"github.com/dmitrijs2005/shopkeeper/internal/authctl"
)

func main() {
	if err := authctl.Run(os.Args[1:], os.Stdin, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
