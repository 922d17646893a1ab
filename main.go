// The main package for the harvester executable.
package main

import (
	"github.com/waterwatch/cnemc-harvester/cmd"
)

func main() {
	cmd.Execute()
}
