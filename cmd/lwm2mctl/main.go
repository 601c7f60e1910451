// Command lwm2mctl is a debug/introspection tool: it reads the JSON
// diagnostics snapshot a running lwm2mclient writes out, and can render or
// patch a single field of it without round-tripping through Go structs,
// the same cheap diff/patch gjson+sjson gives the teacher's observation
// sync code.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

func main() {
	path := flag.String("file", "", "path to the diagnostics snapshot written by lwm2mclient -diagnostics")
	query := flag.String("get", "", "gjson path to print, e.g. '0.instances.0.resources.0'")
	patch := flag.String("set", "", "sjson path=value to apply and print the patched document")
	flag.Parse()

	if *path == "" {
		fmt.Fprintln(os.Stderr, "usage: lwm2mctl -file snapshot.json [-get path] [-set path=value]")
		os.Exit(2)
	}
	b, err := os.ReadFile(*path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read snapshot:", err)
		os.Exit(1)
	}

	if *query != "" {
		result := gjson.GetBytes(b, *query)
		fmt.Println(result.String())
		return
	}

	if *patch != "" {
		key, value, err := splitPatch(*patch)
		if err != nil {
			fmt.Fprintln(os.Stderr, "set:", err)
			os.Exit(1)
		}
		out, err := sjson.SetBytes(b, key, value)
		if err != nil {
			fmt.Fprintln(os.Stderr, "patch snapshot:", err)
			os.Exit(1)
		}
		os.Stdout.Write(out)
		return
	}

	os.Stdout.Write(b)
}

func splitPatch(s string) (key, value string, err error) {
	for i := 0; i < len(s); i++ {
		if s[i] == '=' {
			return s[:i], s[i+1:], nil
		}
	}
	return "", "", fmt.Errorf("expected path=value, got %q", s)
}
