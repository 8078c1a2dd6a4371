// Generate secp256k1 identity key files for agents. Each file carries the
// private key, compressed public key and derived address in the format the
// agent binaries load at startup.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dcap-x-project/dcap-commerce/internal/identity"
)

func main() {
	outDir := flag.String("out", ".", "directory to write key files into")
	force := flag.Bool("force", false, "overwrite existing key files")
	flag.Parse()

	names := flag.Args()
	if len(names) == 0 {
		names = []string{"buyer", "seller"}
	}

	for _, name := range names {
		path := filepath.Join(*outDir, name+".key")
		if _, err := os.Stat(path); err == nil && !*force {
			fmt.Printf("%s already exists, skipping (use -force to overwrite)\n", path)
			continue
		}

		ident, err := identity.Generate()
		if err != nil {
			fmt.Fprintf(os.Stderr, "generate key for %s: %v\n", name, err)
			os.Exit(1)
		}
		if err := ident.Save(path); err != nil {
			fmt.Fprintf(os.Stderr, "save %s: %v\n", path, err)
			os.Exit(1)
		}

		fmt.Printf("%s\n", path)
		fmt.Printf("  public key: %s\n", ident.PublicKeyHex())
		fmt.Printf("  address:    %s\n", ident.Address())
	}
}
