package sandbox

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

type stmtKind int

const (
	stmtExpr stmtKind = iota
	stmtDecl
	stmtAssign
	stmtReturn
	stmtIf
)

type statement struct {
	kind     stmtKind
	name     string
	op       string
	expr     string
	constant bool
	branches []branch
	elseBody []statement
}

type branch struct {
	cond string
	body []statement
}

var (
	declPattern        = regexp.MustCompile(`^(let|const|var)\s+([A-Za-z_$][\w$]*)\s*(?:=\s*([\s\S]*))?$`)
	assignPattern      = regexp.MustCompile(`^([A-Za-z_$][\w$]*)\s*(\+=|-=|\*=|/=|=)\s*([\s\S]+)$`)
	unsupportedPattern = regexp.MustCompile(`^(for|while|do|function|switch|try|throw|class)\b`)
	returnPattern      = regexp.MustCompile(`^return\b\s*([\s\S]*)$`)
)

// stmtParser splits a statement block into statements. Blocks are delimited by
// braces; simple statements end at a top-level semicolon, closing brace or a
// newline that does not obviously continue the expression.
type stmtParser struct {
	src string
	pos int
}

func parseStatements(src string) ([]statement, error) {
	p := &stmtParser{src: src}
	return p.parseBlock(false)
}

func (p *stmtParser) parseBlock(inBraces bool) ([]statement, error) {
	var out []statement
	for {
		p.skipSeparators()
		if p.pos >= len(p.src) {
			if inBraces {
				return nil, errors.New("missing closing brace")
			}
			return out, nil
		}
		switch {
		case p.src[p.pos] == '}':
			if !inBraces {
				return nil, errors.New("unexpected closing brace")
			}
			p.pos++
			return out, nil
		case p.src[p.pos] == '{':
			p.pos++
			body, err := p.parseBlock(true)
			if err != nil {
				return nil, err
			}
			out = append(out, body...)
		case p.atKeyword("if"):
			st, err := p.parseIf()
			if err != nil {
				return nil, err
			}
			out = append(out, st)
		default:
			st, ok, err := classify(p.readSimple())
			if err != nil {
				return nil, err
			}
			if ok {
				out = append(out, st)
			}
		}
	}
}

func (p *stmtParser) parseIf() (statement, error) {
	st := statement{kind: stmtIf}
	p.pos += len("if")
	cond, body, err := p.parseCondBody()
	if err != nil {
		return st, err
	}
	st.branches = append(st.branches, branch{cond: cond, body: body})

	for {
		save := p.pos
		p.skipSpace()
		if !p.atKeyword("else") {
			p.pos = save
			return st, nil
		}
		p.pos += len("else")
		p.skipSpace()
		if p.atKeyword("if") {
			p.pos += len("if")
			cond, body, err = p.parseCondBody()
			if err != nil {
				return st, err
			}
			st.branches = append(st.branches, branch{cond: cond, body: body})
			continue
		}
		elseBody, err := p.parseBody()
		if err != nil {
			return st, err
		}
		if elseBody == nil {
			elseBody = []statement{}
		}
		st.elseBody = elseBody
		return st, nil
	}
}

func (p *stmtParser) parseCondBody() (string, []statement, error) {
	p.skipSpace()
	if p.pos >= len(p.src) || p.src[p.pos] != '(' {
		return "", nil, errors.New("expected '(' after if")
	}
	cond, err := p.readEnclosed('(', ')')
	if err != nil {
		return "", nil, err
	}
	if strings.TrimSpace(cond) == "" {
		return "", nil, errors.New("empty if condition")
	}
	body, err := p.parseBody()
	return strings.TrimSpace(cond), body, err
}

func (p *stmtParser) parseBody() ([]statement, error) {
	p.skipSpace()
	if p.pos >= len(p.src) {
		return nil, errors.New("missing statement body")
	}
	if p.src[p.pos] == '{' {
		p.pos++
		return p.parseBlock(true)
	}
	if p.atKeyword("if") {
		st, err := p.parseIf()
		if err != nil {
			return nil, err
		}
		return []statement{st}, nil
	}
	st, ok, err := classify(p.readSimple())
	if err != nil || !ok {
		return nil, err
	}
	return []statement{st}, nil
}

// readEnclosed reads from an opening delimiter at p.pos to its matching
// closer and returns the text in between.
func (p *stmtParser) readEnclosed(open, close byte) (string, error) {
	start := p.pos + 1
	depth := 0
	var quote byte
	for i := p.pos; i < len(p.src); i++ {
		c := p.src[i]
		if quote != 0 {
			if c == '\\' {
				i++
			} else if c == quote {
				quote = 0
			}
			continue
		}
		switch c {
		case '"', '\'', '`':
			quote = c
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				p.pos = i + 1
				return p.src[start:i], nil
			}
		}
	}
	return "", fmt.Errorf("missing closing '%c'", close)
}

func (p *stmtParser) readSimple() string {
	start := p.pos
	depth := 0
	var quote byte
	for p.pos < len(p.src) {
		c := p.src[p.pos]
		if quote != 0 {
			if c == '\\' {
				p.pos++
			} else if c == quote {
				quote = 0
			}
			p.pos++
			continue
		}
		switch c {
		case '"', '\'', '`':
			quote = c
		case '(', '[', '{':
			depth++
		case ')', ']':
			depth--
		case '}':
			if depth == 0 {
				return strings.TrimSpace(p.src[start:p.pos])
			}
			depth--
		case ';':
			if depth == 0 {
				text := p.src[start:p.pos]
				p.pos++
				return strings.TrimSpace(text)
			}
		case '\n':
			if depth == 0 && !continuesExpression(p.src[start:p.pos], p.src[p.pos+1:]) {
				text := p.src[start:p.pos]
				p.pos++
				return strings.TrimSpace(text)
			}
		}
		p.pos++
	}
	if p.pos > len(p.src) {
		p.pos = len(p.src)
	}
	return strings.TrimSpace(p.src[start:p.pos])
}

// continuesExpression reports whether a newline between before and after is
// inside a single expression, e.g. a trailing operator or a leading ".".
func continuesExpression(before, after string) bool {
	before = strings.TrimSpace(before)
	after = strings.TrimSpace(after)
	if before == "" {
		return false
	}
	if strings.ContainsRune("+-*/%&|=,(?:.<>!", rune(before[len(before)-1])) {
		return true
	}
	return after != "" && strings.ContainsRune(".?:+*/%&|)]", rune(after[0]))
}

func (p *stmtParser) skipSpace() {
	for p.pos < len(p.src) && strings.ContainsRune(" \t\r\n", rune(p.src[p.pos])) {
		p.pos++
	}
}

func (p *stmtParser) skipSeparators() {
	for p.pos < len(p.src) && strings.ContainsRune(" \t\r\n;", rune(p.src[p.pos])) {
		p.pos++
	}
}

func (p *stmtParser) atKeyword(kw string) bool {
	if !strings.HasPrefix(p.src[p.pos:], kw) {
		return false
	}
	end := p.pos + len(kw)
	return end >= len(p.src) || !isIdentByte(p.src[end])
}

func isIdentByte(c byte) bool {
	return c == '_' || c == '$' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

func classify(text string) (statement, bool, error) {
	if text == "" {
		return statement{}, false, nil
	}
	if m := returnPattern.FindStringSubmatch(text); m != nil {
		return statement{kind: stmtReturn, expr: strings.TrimSpace(m[1])}, true, nil
	}
	if m := unsupportedPattern.FindStringSubmatch(text); m != nil {
		return statement{}, false, fmt.Errorf("unsupported statement %q", m[1])
	}
	if m := declPattern.FindStringSubmatch(text); m != nil {
		return statement{kind: stmtDecl, name: m[2], expr: strings.TrimSpace(m[3]), constant: m[1] == "const"}, true, nil
	}
	if m := assignPattern.FindStringSubmatch(text); m != nil && !(m[2] == "=" && strings.HasPrefix(m[3], "=")) {
		return statement{kind: stmtAssign, name: m[1], op: m[2], expr: strings.TrimSpace(m[3])}, true, nil
	}
	return statement{kind: stmtExpr, expr: text}, true, nil
}

// interpreter executes parsed statements. Locals live in one flat scope per
// Execute call; the caller's variables are read-only.
type interpreter struct {
	sb     *Sandbox
	ctx    context.Context
	base   map[string]any
	locals map[string]any
	consts map[string]bool
	limit  int
	steps  int
}

func (in *interpreter) run(stmts []statement) (any, bool, error) {
	for _, st := range stmts {
		if err := in.ctx.Err(); err != nil {
			return nil, false, runtimeErr("script cancelled", err)
		}
		in.steps++
		if in.limit > 0 && in.steps > in.limit {
			return nil, false, runtimeErr(fmt.Sprintf("statement limit (%d) exceeded", in.limit), nil)
		}

		switch st.kind {
		case stmtExpr:
			if _, err := in.eval(st.expr); err != nil {
				return nil, false, err
			}

		case stmtDecl:
			if in.consts[st.name] {
				return nil, false, runtimeErr(fmt.Sprintf("cannot redeclare constant %q", st.name), nil)
			}
			var v any
			if st.expr != "" {
				var err error
				if v, err = in.eval(st.expr); err != nil {
					return nil, false, err
				}
			}
			in.locals[st.name] = v
			if st.constant {
				in.consts[st.name] = true
			}

		case stmtAssign:
			if _, ok := in.locals[st.name]; !ok {
				if _, isVar := in.base[st.name]; isVar {
					return nil, false, runtimeErr(fmt.Sprintf("cannot assign to read-only variable %q", st.name), nil)
				}
				return nil, false, runtimeErr(fmt.Sprintf("assignment to undeclared variable %q", st.name), nil)
			}
			if in.consts[st.name] {
				return nil, false, runtimeErr(fmt.Sprintf("cannot assign to constant %q", st.name), nil)
			}
			src := st.expr
			if st.op != "=" {
				src = fmt.Sprintf("(%s) %s (%s)", st.name, st.op[:1], st.expr)
			}
			v, err := in.eval(src)
			if err != nil {
				return nil, false, err
			}
			in.locals[st.name] = v

		case stmtReturn:
			if st.expr == "" {
				return nil, true, nil
			}
			v, err := in.eval(st.expr)
			return v, err == nil, err

		case stmtIf:
			taken := false
			for _, br := range st.branches {
				cond, err := in.eval(br.cond)
				if err != nil {
					return nil, false, err
				}
				if Truthy(cond) {
					taken = true
					if v, returned, err := in.run(br.body); err != nil || returned {
						return v, returned, err
					}
					break
				}
			}
			if !taken && st.elseBody != nil {
				if v, returned, err := in.run(st.elseBody); err != nil || returned {
					return v, returned, err
				}
			}
		}
	}
	return nil, false, nil
}

func (in *interpreter) eval(src string) (any, error) {
	env := make(map[string]any, len(in.base)+len(in.locals))
	for k, v := range in.base {
		env[k] = v
	}
	for k, v := range in.locals {
		env[k] = v
	}
	return in.sb.evaluate(src, env)
}
