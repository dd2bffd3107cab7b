// Command quictun carries TCP streams over a QUIC connection tunneled through
// DNS queries and responses.
package main

import "github.com/fcchbjm/quictun/internal/cmd"

func main() {
	cmd.Main()
}
