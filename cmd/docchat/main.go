package main

import "ai-docchat-client/cmd/docchat/cmd"

func main() {
	cmd.Execute()
}
