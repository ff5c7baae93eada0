package main

import "github.com/andresmejia3/proctor/cmd"

func main() {
	cmd.Execute()
}
