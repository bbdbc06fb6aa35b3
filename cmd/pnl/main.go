// =================================
// File: cmd/pnl/main.go
// =================================
package main

import (
	"github.com/joho/godotenv"

	"github.com/rovshanmuradov/wallet-pnl/internal/cli"
)

func main() {
	// A local .env is optional; deployments set the environment directly.
	_ = godotenv.Load()

	cli.Execute()
}
