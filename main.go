// Command clipqueue runs the media clip discovery job queue.
package main

import "github.com/aininja-pro/DriveShop-Clip-sub000/cmd"

func main() {
	cmd.Execute()
}
