package main

import "github.com/ValentinKolb/dMon/cmd"

func main() {
	cmd.Execute()
}
