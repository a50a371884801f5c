package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) > 1 {
		switch cmd := os.Args[1]; cmd {
		case "pretrain":
			if err := RunPretrainCommand(os.Args[2:]); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			return
		case "help", "-h", "--help":
			printUsage()
			return
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
			printUsage()
			os.Exit(1)
		}
	}

	printUsage()
}

func printUsage() {
	fmt.Println("Usage:")
	fmt.Println("  go run . [command] [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  pretrain    Run SwAV pre-training on synthetic multi-crop data")
	fmt.Println("  help        Show this help")
	fmt.Println()
	fmt.Println("Run 'go run . pretrain -h' for command options.")
}
