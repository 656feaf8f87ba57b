// Package editor is an abstract rich-text model: an immutable block
// document, selections and an undo history. Concrete editors plug in
// through Host.
package editor

import (
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Block is one paragraph of a document. Text may hold soft line breaks.
type Block struct {
	Key  string
	Text string
}

// Len returns the block length in runes.
func (b Block) Len() int { return utf8.RuneCountInString(b.Text) }

// Position addresses a rune offset inside a block.
type Position struct {
	Block  int
	Offset int
}

// Range spans from Start to End. A collapsed range is a caret.
type Range struct {
	Start Position
	End   Position
}

// Collapsed reports whether the range is a caret.
func (r Range) Collapsed() bool { return r.Start == r.End }

// Caret returns a collapsed range at p.
func Caret(p Position) Range { return Range{Start: p, End: p} }

// Document is an immutable list of blocks. It always holds at least one block.
type Document struct {
	blocks  []Block
	nextKey int
}

// NewDocument builds a document with one block per paragraph.
func NewDocument(paragraphs ...string) Document {
	if len(paragraphs) == 0 {
		paragraphs = []string{""}
	}
	d := Document{blocks: make([]Block, len(paragraphs))}
	for i, p := range paragraphs {
		d.blocks[i] = Block{Key: d.newKey(), Text: p}
	}
	return d
}

// FromText splits text on blank-line paragraph boundaries.
func FromText(text string) Document {
	if text == "" {
		return NewDocument()
	}
	return NewDocument(strings.Split(text, "\n\n")...)
}

func (d *Document) newKey() string {
	k := "b" + strconv.Itoa(d.nextKey)
	d.nextKey++
	return k
}

// Blocks returns a copy of the blocks.
func (d Document) Blocks() []Block {
	if len(d.blocks) == 0 {
		return []Block{{Key: "b0"}}
	}
	return append([]Block(nil), d.blocks...)
}

// Len returns the number of blocks.
func (d Document) Len() int {
	if len(d.blocks) == 0 {
		return 1
	}
	return len(d.blocks)
}

// PlainText joins block texts with newlines.
func (d Document) PlainText() string {
	blocks := d.Blocks()
	texts := make([]string, len(blocks))
	for i, b := range blocks {
		texts[i] = b.Text
	}
	return strings.Join(texts, "\n")
}

// FirstPosition is the start of the first block.
func (d Document) FirstPosition() Position { return Position{} }

// LastPosition is the end of the last block.
func (d Document) LastPosition() Position {
	blocks := d.Blocks()
	last := len(blocks) - 1
	return Position{Block: last, Offset: blocks[last].Len()}
}

// All spans the whole document.
func (d Document) All() Range {
	return Range{Start: d.FirstPosition(), End: d.LastPosition()}
}

func (d Document) valid(p Position) bool {
	blocks := d.Blocks()
	if p.Block < 0 || p.Block >= len(blocks) {
		return false
	}
	return p.Offset >= 0 && p.Offset <= blocks[p.Block].Len()
}

func before(a, b Position) bool {
	return a.Block < b.Block || (a.Block == b.Block && a.Offset < b.Offset)
}

// ReplaceRange removes the content covered by r and inserts text in its
// place. Blocks spanned by r merge into the first one. It returns the new
// document and the caret position after the inserted text.
func (d Document) ReplaceRange(r Range, text string) (Document, Position, error) {
	if !d.valid(r.Start) || !d.valid(r.End) {
		return d, r.Start, fmt.Errorf("range %v out of bounds", r)
	}
	if before(r.End, r.Start) {
		r.Start, r.End = r.End, r.Start
	}
	blocks := d.Blocks()
	first := []rune(blocks[r.Start.Block].Text)
	last := []rune(blocks[r.End.Block].Text)

	merged := Block{
		Key:  blocks[r.Start.Block].Key,
		Text: string(first[:r.Start.Offset]) + text + string(last[r.End.Offset:]),
	}

	out := make([]Block, 0, len(blocks)-(r.End.Block-r.Start.Block))
	out = append(out, blocks[:r.Start.Block]...)
	out = append(out, merged)
	out = append(out, blocks[r.End.Block+1:]...)

	caret := Position{Block: r.Start.Block, Offset: r.Start.Offset + utf8.RuneCountInString(text)}
	return Document{blocks: out, nextKey: d.nextKey}, caret, nil
}

// SplitBlock breaks the block at p in two. The new block starts at the
// returned position.
func (d Document) SplitBlock(p Position) (Document, Position, error) {
	if !d.valid(p) {
		return d, p, fmt.Errorf("position %v out of bounds", p)
	}
	blocks := d.Blocks()
	text := []rune(blocks[p.Block].Text)
	out := Document{nextKey: d.nextKey}
	tail := Block{Key: out.newKey(), Text: string(text[p.Offset:])}

	out.blocks = make([]Block, 0, len(blocks)+1)
	out.blocks = append(out.blocks, blocks[:p.Block]...)
	out.blocks = append(out.blocks, Block{Key: blocks[p.Block].Key, Text: string(text[:p.Offset])}, tail)
	out.blocks = append(out.blocks, blocks[p.Block+1:]...)
	return out, Position{Block: p.Block + 1}, nil
}
