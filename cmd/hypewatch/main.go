package main

import "hypewatch/internal/cli"

func main() {
	cli.Execute()
}
