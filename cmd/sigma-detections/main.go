package main

import "github.com/markuskont/go-sigma-detections/cmd"

func main() {
	cmd.Execute()
}
