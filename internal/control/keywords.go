package control

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// Keywords is an ordered KEY = VALUE mapping as it appears in a control file.
type Keywords struct {
	keys   []string
	values map[string]string
}

func NewKeywords() *Keywords {
	return &Keywords{values: make(map[string]string)}
}

// Set stores value under key, keeping the position of an existing key.
func (k *Keywords) Set(key, value string) {
	key = strings.ToUpper(key)
	if _, ok := k.values[key]; !ok {
		k.keys = append(k.keys, key)
	}
	k.values[key] = value
}

func (k *Keywords) SetInt(key string, v int) {
	k.Set(key, strconv.Itoa(v))
}

func (k *Keywords) SetFloat(key string, v float64) {
	k.Set(key, strconv.FormatFloat(v, 'g', -1, 64))
}

func (k *Keywords) SetBool(key string, v bool) {
	if v {
		k.Set(key, "1")
		return
	}
	k.Set(key, "0")
}

// SetString stores a value that is rendered in quotes.
func (k *Keywords) SetString(key, v string) {
	k.Set(key, "'"+v+"'")
}

func (k *Keywords) Get(key string) (string, bool) {
	v, ok := k.values[strings.ToUpper(key)]
	return unquote(v), ok
}

func (k *Keywords) Int(key string) (int, error) {
	v, ok := k.Get(key)
	if !ok {
		return 0, fmt.Errorf("control keyword %s not set", key)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("control keyword %s: %w", key, err)
	}
	return n, nil
}

// IntOr returns def when key is absent.
func (k *Keywords) IntOr(key string, def int) (int, error) {
	if _, ok := k.Get(key); !ok {
		return def, nil
	}
	return k.Int(key)
}

func (k *Keywords) Ints(key string) ([]int, error) {
	v, ok := k.Get(key)
	if !ok {
		return nil, fmt.Errorf("control keyword %s not set", key)
	}
	fields := strings.Fields(v)
	out := make([]int, len(fields))
	for i, f := range fields {
		n, err := strconv.Atoi(f)
		if err != nil {
			return nil, fmt.Errorf("control keyword %s: %w", key, err)
		}
		out[i] = n
	}
	return out, nil
}

func (k *Keywords) Keys() []string {
	return append([]string(nil), k.keys...)
}

func (k *Keywords) Len() int {
	return len(k.keys)
}

// Render writes the namelist the solver reads from its working directory.
func (k *Keywords) Render() string {
	var sb strings.Builder
	sb.WriteString("&LISTA\n")
	for _, key := range k.keys {
		fmt.Fprintf(&sb, "%s = %s\n", key, k.values[key])
	}
	sb.WriteString("/\n")
	return sb.String()
}

func (k *Keywords) WriteFile(path string) error {
	if err := os.WriteFile(path, []byte(k.Render()), 0o644); err != nil {
		return fmt.Errorf("failed to write control file: %w", err)
	}
	return nil
}

func ParseKeywords(r io.Reader) (*Keywords, error) {
	kw := NewKeywords()
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || line == "/" || strings.HasPrefix(line, "&") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("%w: control line %q", ErrConfiguration, line)
		}
		kw.Set(strings.TrimSpace(key), strings.TrimSpace(value))
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return kw, nil
}

func ReadKeywords(path string) (*Keywords, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open control file: %w", err)
	}
	defer f.Close()

	return ParseKeywords(f)
}

func unquote(v string) string {
	if len(v) >= 2 && (v[0] == '\'' || v[0] == '"') && v[len(v)-1] == v[0] {
		return v[1 : len(v)-1]
	}
	return v
}
