package instruments

import (
	"bufio"
	"cmp"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"strings"
)

// DefaultDomain is the domain model requested when none is given.
const DefaultDomain = "MarketPrice"

// Ref is a single instrument reference. Domain is zero for bare identifiers.
type Ref struct {
	Domain int    `json:"domain,omitempty"`
	Name   string `json:"name"`
}

// List is the ordered set of instruments to request.
// Grouped lists carry a numeric domain on every entry.
type List struct {
	Refs    []Ref
	Grouped bool
}

// Group is a batch of identifiers sharing one domain model.
type Group struct {
	Domain string
	Names  []string
}

// Len returns the number of instrument references.
func (l List) Len() int {
	return len(l.Refs)
}

// Names returns the identifiers in list order.
func (l List) Names() []string {
	out := make([]string, len(l.Refs))
	for i, r := range l.Refs {
		out[i] = r.Name
	}
	return out
}

// Groups partitions the list by domain-model name. Groups are returned in the order
// their domain is first seen. Ungrouped lists yield a single group using defaultDomain,
// or DefaultDomain when that is empty.
func (l List) Groups(defaultDomain string) []Group {
	if len(l.Refs) == 0 {
		return nil
	}
	if !l.Grouped {
		if defaultDomain == "" {
			defaultDomain = DefaultDomain
		}
		return []Group{{Domain: defaultDomain, Names: l.Names()}}
	}

	var groups []Group
	index := make(map[string]int)
	for _, r := range l.Refs {
		name := DomainName(r.Domain)
		i, ok := index[name]
		if !ok {
			i = len(groups)
			index[name] = i
			groups = append(groups, Group{Domain: name})
		}
		groups[i].Names = append(groups[i].Names, r.Name)
	}
	return groups
}

// ParseInline splits a comma-separated identifier list.
func ParseInline(s string) List {
	var refs []Ref
	for _, part := range strings.Split(s, ",") {
		if name := strings.TrimSpace(part); name != "" {
			refs = append(refs, Ref{Name: name})
		}
	}
	return List{Refs: refs}
}

// LoadSimpleFile reads one identifier per line from path.
func LoadSimpleFile(path string) (List, error) {
	f, err := os.Open(path)
	if err != nil {
		return List{}, fmt.Errorf("open instrument file: %w", err)
	}
	defer f.Close()

	var refs []Ref
	err = eachLine(f, func(line string) {
		if name := strings.TrimSpace(line); name != "" {
			refs = append(refs, Ref{Name: name})
		}
	})
	if err != nil {
		return List{}, fmt.Errorf("read instrument file: %w", err)
	}
	return List{Refs: refs}, nil
}

// eachLine calls fn for every line of r without the line terminator. Lines of any
// length are accepted.
func eachLine(r io.Reader, fn func(line string)) error {
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		if line != "" {
			fn(strings.TrimRight(line, "\r\n"))
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// LoadDomainFile reads a dual-column "<domain>|<identifier>" file from path.
func LoadDomainFile(path string) (List, error) {
	f, err := os.Open(path)
	if err != nil {
		return List{}, fmt.Errorf("open domain instrument file: %w", err)
	}
	defer f.Close()

	list, err := ParseDomainRefs(f)
	if err != nil {
		return List{}, fmt.Errorf("read domain instrument file: %w", err)
	}
	return list, nil
}

// ParseDomainRefs parses "<domain>|<identifier>" lines. Lines without a separator,
// with a non-integer domain or with an empty identifier are skipped. Fields after the
// second are ignored. The result is sorted by domain, then identifier.
func ParseDomainRefs(r io.Reader) (List, error) {
	refs := []Ref{}
	err := eachLine(r, func(line string) {
		if ref, ok := parseDomainLine(line); ok {
			refs = append(refs, ref)
		}
	})
	if err != nil {
		return List{}, err
	}

	slices.SortFunc(refs, func(a, b Ref) int {
		if c := cmp.Compare(a.Domain, b.Domain); c != 0 {
			return c
		}
		return strings.Compare(a.Name, b.Name)
	})
	return List{Refs: refs, Grouped: true}, nil
}

func parseDomainLine(line string) (Ref, bool) {
	fields := strings.Split(line, "|")
	if len(fields) < 2 {
		return Ref{}, false
	}
	domain, err := strconv.Atoi(strings.TrimSpace(fields[0]))
	if err != nil {
		return Ref{}, false
	}
	name := strings.TrimSpace(fields[1])
	if name == "" {
		return Ref{}, false
	}
	return Ref{Domain: domain, Name: name}, true
}
