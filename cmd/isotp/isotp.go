/*
CLI for ISO-TP over SocketCAN
*/
package main

import "github.com/LoveWonYoung/isotpbroker/cmd/isotp/commands"

func main() {
	commands.Execute()
}
