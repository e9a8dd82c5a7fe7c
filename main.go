package main

import "event-queue/cmd"

func main() {
	cmd.Execute()
}
