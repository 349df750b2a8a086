package main

import "vl-ground-go/cmd"

func main() {
	cmd.Execute()
}
