package main

import "github.com/parthshah1/recurpay/cmd"

func main() {
	cmd.Execute()
}
