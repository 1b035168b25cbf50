package router

import (
	"fmt"
	"regexp"
	"strings"
)

type nodeType uint8

const (
	static    nodeType = iota // default
	param                     // :name, :name(pattern)
	composite                 // several params or literals in one segment
	catchAll                  // prefix*name
)

type leaf[S any] struct {
	route string
	stack S
}

// node is one path segment of the trie. Children are tried in the order
// static, composite, param, catch-all; the first subtree that yields a
// handler wins.
type node[S any] struct {
	nType   nodeType
	segment string

	paramName string
	re        *regexp.Regexp
	names     []string // composite capture names, in order
	subexp    []int    // submatch index per name
	prefix    string   // catch-all literal prefix

	statics    map[string]*node[S]
	composites []*node[S]
	params     []*node[S]
	catchAlls  []*node[S]

	handlers map[string]*leaf[S] // method -> leaf
}

type token struct {
	literal  string
	name     string
	pattern  string
	optional bool
	isParam  bool
}

// parseSegment splits a pattern segment into literal and param tokens.
// "::" escapes a literal colon.
func parseSegment(seg string) ([]token, error) {
	var tokens []token
	var lit strings.Builder
	flush := func() {
		if lit.Len() > 0 {
			tokens = append(tokens, token{literal: lit.String()})
			lit.Reset()
		}
	}
	for i := 0; i < len(seg); {
		c := seg[i]
		switch {
		case c == ':' && i+1 < len(seg) && seg[i+1] == ':':
			lit.WriteByte(':')
			i += 2
		case c == ':':
			flush()
			j := i + 1
			for j < len(seg) && isNameByte(seg[j]) {
				j++
			}
			if j == i+1 {
				return nil, fmt.Errorf("%w: unnamed parameter in %q", ErrInvalidPath, seg)
			}
			t := token{isParam: true, name: seg[i+1 : j]}
			if j < len(seg) && seg[j] == '(' {
				end := matchParen(seg, j)
				if end < 0 {
					return nil, fmt.Errorf("%w: unbalanced regexp in %q", ErrInvalidPath, seg)
				}
				t.pattern = strings.TrimSuffix(strings.TrimPrefix(seg[j+1:end], "^"), "$")
				j = end + 1
			}
			if j < len(seg) && seg[j] == '?' {
				t.optional = true
				j++
			}
			tokens = append(tokens, t)
			i = j
		case c == '(':
			return nil, fmt.Errorf("%w: regexp without parameter name in %q", ErrInvalidPath, seg)
		default:
			lit.WriteByte(c)
			i++
		}
	}
	flush()
	return tokens, nil
}

func isNameByte(c byte) bool {
	return c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9'
}

func matchParen(s string, open int) int {
	depth := 0
	for i := open; i < len(s); i++ {
		switch s[i] {
		case '\\':
			i++
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// insert registers stack for method under the pattern segments. It reports
// an error for malformed patterns and duplicate (method, pattern) pairs.
func (n *node[S]) insert(method string, segs []string, l *leaf[S], caseInsensitive bool) error {
	for i, seg := range segs {
		last := i == len(segs)-1

		if star := strings.IndexByte(seg, '*'); star >= 0 && !strings.Contains(seg, ":") {
			if !last {
				return fmt.Errorf("%w: wildcard must be the last segment of %q", ErrInvalidPath, l.route)
			}
			name := seg[star+1:]
			for j := 0; j < len(name); j++ {
				if !isNameByte(name[j]) {
					return fmt.Errorf("%w: bad wildcard name in %q", ErrInvalidPath, l.route)
				}
			}
			if name == "" {
				name = "*"
			}
			child := n.childCatchAll(seg, seg[:star], name)
			return child.setHandler(method, l)
		}

		tokens, err := parseSegment(seg)
		if err != nil {
			return err
		}
		switch {
		case len(tokens) == 0 || len(tokens) == 1 && !tokens[0].isParam:
			key := seg
			if len(tokens) == 1 {
				key = tokens[0].literal
			}
			if caseInsensitive {
				key = strings.ToLower(key)
			}
			n = n.childStatic(key)
		case len(tokens) == 1:
			t := tokens[0]
			if t.optional && !last {
				return fmt.Errorf("%w: optional parameter must be last in %q", ErrInvalidPath, l.route)
			}
			child, err := n.childParam(seg, t)
			if err != nil {
				return err
			}
			if t.optional {
				// the parent path answers too, without the key
				if err := n.setHandler(method, l); err != nil {
					return err
				}
			}
			n = child
		default:
			child, err := n.childComposite(seg, tokens, caseInsensitive)
			if err != nil {
				return err
			}
			n = child
		}
	}
	return n.setHandler(method, l)
}

func (n *node[S]) setHandler(method string, l *leaf[S]) error {
	if n.handlers == nil {
		n.handlers = make(map[string]*leaf[S])
	}
	if _, exists := n.handlers[method]; exists {
		return fmt.Errorf("%w: %s %s", ErrDuplicateRoute, method, l.route)
	}
	n.handlers[method] = l
	return nil
}

func (n *node[S]) childStatic(key string) *node[S] {
	if n.statics == nil {
		n.statics = make(map[string]*node[S])
	}
	child := n.statics[key]
	if child == nil {
		child = &node[S]{nType: static, segment: key}
		n.statics[key] = child
	}
	return child
}

func (n *node[S]) childParam(seg string, t token) (*node[S], error) {
	key := strings.TrimSuffix(seg, "?")
	for _, c := range n.params {
		if c.segment == key {
			return c, nil
		}
	}
	child := &node[S]{nType: param, segment: key, paramName: t.name}
	if t.pattern != "" {
		re, err := regexp.Compile("^(?:" + t.pattern + ")$")
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPath, err)
		}
		child.re = re
	}
	// constrained params are tried before free ones
	if child.re != nil {
		n.params = append([]*node[S]{child}, n.params...)
	} else {
		n.params = append(n.params, child)
	}
	return child, nil
}

func (n *node[S]) childComposite(seg string, tokens []token, caseInsensitive bool) (*node[S], error) {
	for _, c := range n.composites {
		if c.segment == seg {
			return c, nil
		}
	}
	var expr strings.Builder
	if caseInsensitive {
		expr.WriteString("(?i)")
	}
	expr.WriteByte('^')
	var names []string
	for _, t := range tokens {
		if !t.isParam {
			expr.WriteString(regexp.QuoteMeta(t.literal))
			continue
		}
		if t.optional {
			return nil, fmt.Errorf("%w: optional parameter inside segment %q", ErrInvalidPath, seg)
		}
		pattern := t.pattern
		if pattern == "" {
			pattern = "[^/]+?"
		}
		fmt.Fprintf(&expr, "(?P<p%d>%s)", len(names), pattern)
		names = append(names, t.name)
	}
	expr.WriteByte('$')
	re, err := regexp.Compile(expr.String())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}
	child := &node[S]{nType: composite, segment: seg, re: re, names: names}
	for j := range names {
		child.subexp = append(child.subexp, re.SubexpIndex(fmt.Sprintf("p%d", j)))
	}
	n.composites = append(n.composites, child)
	return child, nil
}

func (n *node[S]) childCatchAll(seg, prefix, name string) *node[S] {
	for _, c := range n.catchAlls {
		if c.segment == seg {
			return c
		}
	}
	child := &node[S]{nType: catchAll, segment: seg, prefix: prefix, paramName: name}
	// longer prefixes are more specific
	i := 0
	for i < len(n.catchAlls) && len(n.catchAlls[i].prefix) >= len(prefix) {
		i++
	}
	n.catchAlls = append(n.catchAlls, nil)
	copy(n.catchAlls[i+1:], n.catchAlls[i:])
	n.catchAlls[i] = child
	return child
}

// paramList collects captures during the walk; backtracking truncates it.
type paramList []string

func (p *paramList) push(key, value string) {
	*p = append(*p, key, value)
}

func (p paramList) toMap() map[string]string {
	m := make(map[string]string, len(p)/2)
	for i := 0; i+1 < len(p); i += 2 {
		m[p[i]] = p[i+1]
	}
	return m
}

type matcher struct {
	method          string
	segs            []string
	maxParamLength  int
	caseInsensitive bool
}

func (m *matcher) tooLong(v string) bool {
	return m.maxParamLength > 0 && len(v) > m.maxParamLength
}

func (n *node[S]) getValue(m *matcher, i int, ps *paramList) *leaf[S] {
	if i == len(m.segs) {
		if l := n.handlers[m.method]; l != nil {
			return l
		}
		for _, c := range n.catchAlls {
			if c.prefix != "" {
				continue
			}
			if l := c.handlers[m.method]; l != nil {
				ps.push(c.paramName, "")
				return l
			}
		}
		return nil
	}

	seg := m.segs[i]
	mark := len(*ps)

	key := seg
	if m.caseInsensitive {
		key = strings.ToLower(seg)
	}
	if child := n.statics[key]; child != nil {
		if l := child.getValue(m, i+1, ps); l != nil {
			return l
		}
		*ps = (*ps)[:mark]
	}

	for _, child := range n.composites {
		sub := child.re.FindStringSubmatch(seg)
		if sub == nil {
			continue
		}
		ok := true
		for j, name := range child.names {
			v := sub[child.subexp[j]]
			if m.tooLong(v) {
				ok = false
				break
			}
			ps.push(name, v)
		}
		if ok {
			if l := child.getValue(m, i+1, ps); l != nil {
				return l
			}
		}
		*ps = (*ps)[:mark]
	}

	if seg != "" && !m.tooLong(seg) {
		for _, child := range n.params {
			if child.re != nil && !child.re.MatchString(seg) {
				continue
			}
			ps.push(child.paramName, seg)
			if l := child.getValue(m, i+1, ps); l != nil {
				return l
			}
			*ps = (*ps)[:mark]
		}
	}

	if len(n.catchAlls) > 0 {
		rest := strings.Join(m.segs[i:], "/")
		for _, child := range n.catchAlls {
			l := child.handlers[m.method]
			if l == nil || !hasPrefix(rest, child.prefix, m.caseInsensitive) {
				continue
			}
			ps.push(child.paramName, rest[len(child.prefix):])
			return l
		}
	}
	return nil
}

func hasPrefix(s, prefix string, fold bool) bool {
	if len(s) < len(prefix) {
		return false
	}
	if fold {
		return strings.EqualFold(s[:len(prefix)], prefix)
	}
	return s[:len(prefix)] == prefix
}
