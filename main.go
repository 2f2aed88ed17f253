package main

import "github.com/Drowrin/Weeabot-sub000/cmd"

func main() {
	cmd.Execute()
}
