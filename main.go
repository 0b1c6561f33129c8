package main

import "github.com/mxsched/master-core/cmd"

func main() {
	cmd.Execute()
}
