package main

import "github.com/RyanBlaney/hls-collector/cmd"

func main() {
	cmd.Execute()
}
