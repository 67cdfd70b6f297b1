package main

import "github.com/serpco/ms-go-fulfillment/cmd"

func main() {
	cmd.Execute()
}
