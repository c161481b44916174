// Package membership loads the fixed node membership: one IPv4 address
// per line, line index = node id, identical content required on every
// node (spec.md §6.1).
package membership

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// Load reads addrs from path, one address per line (blank lines and
// lines starting with '#' are skipped). The returned slice is indexed
// by node id.
func Load(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("membership: opening hosts file %s: %w", path, err)
	}
	defer f.Close()

	var addrs []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		addrs = append(addrs, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("membership: reading hosts file %s: %w", path, err)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("membership: hosts file %s has no entries", path)
	}
	return addrs, nil
}
