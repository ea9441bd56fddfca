// Command binday はロンドン市（オンタリオ州）のごみ収集日リマインダーを提供する。
//
//	binday [serve|worker|sender|migrate|check|vapid-keys|healthcheck]
package main

import (
	"fmt"
	"os"

	"github.com/hitoshi/binday/internal/app"
)

func main() {
	if err := app.Run(os.Stdout, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "binday: %v\n", err)
		os.Exit(1)
	}
}
