// govgate is the governance enforcement core: gate evaluation, change
// management, kill switches, break-glass access and a hash-chained ledger.
package main

import "github.com/ppiankov/govgate/internal/cli"

func main() {
	cli.Execute()
}
