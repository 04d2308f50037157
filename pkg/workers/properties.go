package workers

import (
	"bytes"
	"fmt"
	"os"
	"runtime"
	"sort"
	"strings"

	"github.com/denisbrodbeck/machineid"

	"github.com/srand/buildmaster/pkg/protocol"
	"github.com/srand/buildmaster/pkg/utils"
)

// Platform properties of a worker, or properties required by a builder.
// A key may appear more than once.
type Properties []protocol.Property

// Returns properties describing the local host: architecture, operating
// system, number of cpus, a stable machine id and the hostname.
func DefaultProperties() Properties {
	p := Properties{}
	p = p.Add("node.arch", runtime.GOARCH)
	p = p.Add("node.os", runtime.GOOS)
	p = p.Add("node.cpus", fmt.Sprint(runtime.NumCPU()))

	if id, err := machineid.ProtectedID("buildworker"); err == nil {
		p = p.Add("node.id", id)
	}
	if hostname, err := os.Hostname(); err == nil {
		p = p.Add("worker.hostname", hostname)
	}
	return p
}

// Parses a list of key=value strings.
func ParseProperties(list []string) (Properties, error) {
	p := Properties{}

	for _, item := range list {
		key, value, ok := strings.Cut(item, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("%w: invalid property %q", utils.ErrParse, item)
		}
		p = p.Add(key, value)
	}

	return p, nil
}

func (p Properties) Add(key, value string) Properties {
	return append(p, protocol.Property{Key: key, Value: value})
}

// Returns true if every property of requirement is present in p.
func (p Properties) Fulfills(requirement Properties) bool {
	d := p.Map()

	for _, property := range requirement {
		found := false
		for _, value := range d[property.Key] {
			if value == property.Value {
				found = true
				break
			}
		}

		if !found {
			return false
		}
	}

	return true
}

// Returns all values by key.
func (p Properties) Map() map[string][]string {
	d := map[string][]string{}
	for _, property := range p {
		d[property.Key] = append(d[property.Key], property.Value)
	}
	return d
}

// Returns the first value of a key.
func (p Properties) Get(key string) (string, bool) {
	for _, property := range p {
		if property.Key == key {
			return property.Value, true
		}
	}
	return "", false
}

func (p Properties) Hostname() string {
	hostname, _ := p.Get("worker.hostname")
	return hostname
}

func (p Properties) String() string {
	lines := make([]string, 0, len(p))
	for _, prop := range p {
		lines = append(lines, prop.Key+"="+prop.Value)
	}
	sort.Strings(lines)

	data := bytes.Buffer{}
	for _, line := range lines {
		fmt.Fprintln(&data, line)
	}
	return data.String()
}
