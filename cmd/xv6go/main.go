package main

import "github.com/singlerr/xv6go/cmd/xv6go/cmd"

func main() {
	cmd.Execute()
}
