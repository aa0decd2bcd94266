// The main package for the subtitle service executable.
package main

import (
	"github.com/7and1/youtube-subtitle-api/cmd"
)

func main() {
	cmd.Execute()
}
