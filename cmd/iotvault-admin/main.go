// Command iotvault-admin is the operator tool of an iotvault installation.
//
// Usage:
//
//	iotvault-admin <command> [flags]
//
// Commands:
//
//	keygen user <id>     Generate a user identity (certificate and key)
//	keygen server        Generate a self-signed server certificate
//	refgen <artifact>    Record the reference artifact for remote attestation
//	inspect users        List registered users
//	inspect domains      List domains with their owner and sizes
//	inspect domain <dm>  Show members and devices of a domain
//	log view <file>      Show an audit log in human-readable form
//	log stats <file>     Summarize an audit log
//	log export <file>    Export an audit log to JSONL or CSV
//	log filter <file>    Copy matching events to a new log file
//
// Commands that read the data directory need the installation passphrase,
// taken from -p or IOTVAULT_PASSPHRASE.
//
// Examples:
//
//	# Register the released client binary as the attestation reference
//	iotvault-admin refgen --data /var/lib/iotvault ./iotdevice
//
//	# List rejected requests of one user
//	iotvault-admin log view --user alice --rejected audit.log
package main

import (
	"os"

	"github.com/iotvault/iotvault-go/cmd/iotvault-admin/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
