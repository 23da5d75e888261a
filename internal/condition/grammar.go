package condition

import (
	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"
)

var conditionLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "Placeholder", Pattern: `\{\}`},
	{Name: "String", Pattern: `"(?:\\.|[^"\\])*"`},
	{Name: "Number", Pattern: `[-+]?(?:\d+\.?\d*|\.\d+)(?:[eE][-+]?\d+)?`},
	{Name: "Op", Pattern: `==|!=|<=|>=|<|>`},
	{Name: "Ident", Pattern: `[A-Za-z_][A-Za-z0-9_]*`},
	{Name: "Whitespace", Pattern: `\s+`},
})

var parserOptions = []participle.Option{
	participle.Lexer(conditionLexer),
	participle.Elide("Whitespace"),
	participle.Unquote("String"),
	participle.UseLookahead(2),
}

var (
	conditionParser = participle.MustBuild[conditionAST](parserOptions...)
	clauseParser    = participle.MustBuild[clauseAST](parserOptions...)
)

type conditionAST struct {
	Transition *transitionAST `parser:"  'transition' @@"`
	Periodic   *durationAST   `parser:"| 'every' @@"`
	Compare    *compareAST    `parser:"| @@"`
}

type transitionAST struct {
	Subject *operandAST `parser:"@@"`
	From    string      `parser:"'from' @String"`
	To      string      `parser:"'to' @String"`
}

type compareAST struct {
	Rate    *rateAST    `parser:"(  'rate' @@"`
	Ratio   *ratioAST   `parser:" | 'ratio' @@"`
	Subject *operandAST `parser:" | @@ )"`
	Clause  *clauseAST  `parser:"@@"`
}

type rateAST struct {
	Subject *operandAST  `parser:"@@"`
	Window  *durationAST `parser:"'per' @@"`
}

type ratioAST struct {
	Num *operandAST `parser:"'of' @@"`
	Den *operandAST `parser:"'and' @@"`
}

type clauseAST struct {
	Op      string       `parser:"@Op"`
	Right   *operandAST  `parser:"@@"`
	Sustain *durationAST `parser:"( 'for' @@ )?"`
}

type operandAST struct {
	Pos         lexer.Position
	Placeholder bool    `parser:"  @Placeholder"`
	Number      *string `parser:"| @Number"`
	String      *string `parser:"| @String"`
}

type durationAST struct {
	Pos   lexer.Position
	Count string `parser:"@(Number | Ident)"`
	Unit  string `parser:"@Ident"`
}
