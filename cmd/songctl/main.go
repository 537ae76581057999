package main

import (
	"log"
	"os"

	"github.com/joho/godotenv"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	rootCmd, a := newRootCmd()
	err := rootCmd.Execute()
	a.close()
	if err != nil {
		os.Exit(1)
	}
}
