// Command memvault runs the memory store server and its one-shot CLI.
package main

import (
	"os"

	"github.com/joho/godotenv"

	"github.com/scrypster/memvault/internal/cli"
)

func main() {
	// MEMVAULT_* settings may come from a .env file in the working
	// directory. Variables already set in the environment win.
	_ = godotenv.Load()

	os.Exit(cli.Execute())
}
