package formula

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// ============================================================================
// Tokens
// ============================================================================

type tokenKind int

const (
	tkNumber tokenKind = iota
	tkString           // "double quoted"
	tkIdent            // function name or TRUE/FALSE
	tkField            // {fieldName}
	tkLParen
	tkRParen
	tkComma
	tkOp // + - * / & = == <> != < > <= >=
	tkEOF
)

type token struct {
	kind  tokenKind
	value string
	pos   int
}

func tokenize(input string) ([]token, error) {
	var tokens []token
	i, n := 0, len(input)

	for i < n {
		ch := input[i]
		if ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r' {
			i++
			continue
		}
		start := i

		switch {
		case ch == '(':
			tokens = append(tokens, token{tkLParen, "(", start})
			i++
		case ch == ')':
			tokens = append(tokens, token{tkRParen, ")", start})
			i++
		case ch == ',' || ch == ';':
			tokens = append(tokens, token{tkComma, ",", start})
			i++
		case ch == '{':
			end := strings.IndexByte(input[i+1:], '}')
			if end < 0 {
				return nil, &SyntaxError{Pos: start, Msg: "unterminated field reference"}
			}
			name := strings.TrimSpace(input[i+1 : i+1+end])
			if name == "" {
				return nil, &SyntaxError{Pos: start, Msg: "empty field reference"}
			}
			tokens = append(tokens, token{tkField, name, start})
			i += end + 2
		case ch == '"':
			var sb strings.Builder
			i++
			closed := false
			for i < n {
				if input[i] == '"' {
					// "" is an escaped quote inside a string literal
					if i+1 < n && input[i+1] == '"' {
						sb.WriteByte('"')
						i += 2
						continue
					}
					closed = true
					i++
					break
				}
				sb.WriteByte(input[i])
				i++
			}
			if !closed {
				return nil, &SyntaxError{Pos: start, Msg: "unterminated string"}
			}
			tokens = append(tokens, token{tkString, sb.String(), start})
		case ch >= '0' && ch <= '9' || (ch == '.' && i+1 < n && input[i+1] >= '0' && input[i+1] <= '9'):
			j := i
			for j < n && (input[j] >= '0' && input[j] <= '9' || input[j] == '.') {
				j++
			}
			tokens = append(tokens, token{tkNumber, input[i:j], start})
			i = j
		case ch == '_' || unicode.IsLetter(rune(ch)):
			j := i
			for j < n && (input[j] == '_' || input[j] == '.' || unicode.IsLetter(rune(input[j])) || unicode.IsDigit(rune(input[j]))) {
				j++
			}
			tokens = append(tokens, token{tkIdent, input[i:j], start})
			i = j
		case strings.IndexByte("+-*/&", ch) >= 0:
			tokens = append(tokens, token{tkOp, string(ch), start})
			i++
		case ch == '=' || ch == '!' || ch == '<' || ch == '>':
			op := string(ch)
			if i+1 < n {
				two := input[i : i+2]
				switch two {
				case "==", "!=", "<>", "<=", ">=":
					op = two
				}
			}
			if op == "!" {
				return nil, &SyntaxError{Pos: start, Msg: "unexpected '!'"}
			}
			tokens = append(tokens, token{tkOp, op, start})
			i += len(op)
		default:
			return nil, &SyntaxError{Pos: start, Msg: fmt.Sprintf("unexpected character %q", string(ch))}
		}
	}

	tokens = append(tokens, token{tkEOF, "", n})
	return tokens, nil
}

// ============================================================================
// AST
// ============================================================================

type nodeKind int

const (
	ndLiteral nodeKind = iota
	ndField
	ndCall
	ndBinary
	ndNegate
)

type node struct {
	kind     nodeKind
	value    interface{} // literal value, field name, function name or operator
	children []*node
}

// ============================================================================
// Parser: precedence climbing
// ============================================================================

type parser struct {
	tokens []token
	pos    int
}

func (p *parser) peek() token {
	if p.pos < len(p.tokens) {
		return p.tokens[p.pos]
	}
	return token{kind: tkEOF, pos: -1}
}

func (p *parser) advance() token {
	t := p.peek()
	if p.pos < len(p.tokens) {
		p.pos++
	}
	return t
}

func (p *parser) expect(kind tokenKind, what string) (token, error) {
	t := p.advance()
	if t.kind != kind {
		if t.kind == tkEOF {
			return t, &SyntaxError{Pos: t.pos, Msg: "expected " + what + " before end of formula"}
		}
		return t, &SyntaxError{Pos: t.pos, Msg: fmt.Sprintf("expected %s, got %q", what, t.value)}
	}
	return t, nil
}

// Precedence (lowest to highest):
//
//	= == <> != < > <= >=  (1)
//	&                     (2)
//	+ -                   (3)
//	* /                   (4)
func precedence(op string) int {
	switch op {
	case "=", "==", "<>", "!=", "<", ">", "<=", ">=":
		return 1
	case "&":
		return 2
	case "+", "-":
		return 3
	case "*", "/":
		return 4
	}
	return -1
}

func (p *parser) parseExpression(minPrec int) (*node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		tok := p.peek()
		if tok.kind != tkOp {
			break
		}
		prec := precedence(tok.value)
		if prec < minPrec || prec < 0 {
			break
		}
		p.advance()
		right, err := p.parseExpression(prec + 1)
		if err != nil {
			return nil, err
		}
		left = &node{kind: ndBinary, value: tok.value, children: []*node{left, right}}
	}
	return left, nil
}

func (p *parser) parseUnary() (*node, error) {
	tok := p.peek()
	if tok.kind == tkOp && (tok.value == "-" || tok.value == "+") {
		p.advance()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		if tok.value == "+" {
			return operand, nil
		}
		return &node{kind: ndNegate, children: []*node{operand}}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (*node, error) {
	tok := p.advance()

	switch tok.kind {
	case tkLParen:
		inner, err := p.parseExpression(0)
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tkRParen, "')'"); err != nil {
			return nil, err
		}
		return inner, nil

	case tkNumber:
		f, err := strconv.ParseFloat(tok.value, 64)
		if err != nil {
			return nil, &SyntaxError{Pos: tok.pos, Msg: fmt.Sprintf("invalid number %q", tok.value)}
		}
		return &node{kind: ndLiteral, value: f}, nil

	case tkString:
		return &node{kind: ndLiteral, value: tok.value}, nil

	case tkField:
		return &node{kind: ndField, value: tok.value}, nil

	case tkIdent:
		name := strings.ToUpper(tok.value)
		if p.peek().kind == tkLParen {
			p.advance()
			args, err := p.parseArgs()
			if err != nil {
				return nil, err
			}
			if _, ok := functions[name]; !ok {
				return nil, &SyntaxError{Pos: tok.pos, Msg: fmt.Sprintf("unknown function %s", tok.value)}
			}
			return &node{kind: ndCall, value: name, children: args}, nil
		}
		switch name {
		case "TRUE":
			return &node{kind: ndLiteral, value: true}, nil
		case "FALSE":
			return &node{kind: ndLiteral, value: false}, nil
		}
		return nil, &SyntaxError{Pos: tok.pos, Msg: fmt.Sprintf("unknown identifier %q", tok.value)}

	case tkEOF:
		return nil, &SyntaxError{Pos: tok.pos, Msg: "unexpected end of formula"}
	}
	return nil, &SyntaxError{Pos: tok.pos, Msg: fmt.Sprintf("unexpected %q", tok.value)}
}

func (p *parser) parseArgs() ([]*node, error) {
	var args []*node
	if p.peek().kind == tkRParen {
		p.advance()
		return args, nil
	}
	for {
		arg, err := p.parseExpression(0)
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
		tok := p.advance()
		switch tok.kind {
		case tkComma:
			continue
		case tkRParen:
			return args, nil
		case tkEOF:
			return nil, &SyntaxError{Pos: tok.pos, Msg: "expected ')' before end of formula"}
		default:
			return nil, &SyntaxError{Pos: tok.pos, Msg: fmt.Sprintf("expected ',' or ')', got %q", tok.value)}
		}
	}
}
