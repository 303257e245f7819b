package analysis

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/notnil/chess"

	"chess_lore/internal/domain/analysis"
	errs "chess_lore/internal/errors"
)

// MovesFromPGN parses a PGN document into the move list the analyzer
// consumes. The original PGN text is kept for hashing.
func MovesFromPGN(pgn string) (analysis.Game, error) {
	if strings.TrimSpace(pgn) == "" {
		return analysis.Game{}, fmt.Errorf("%w: empty document", errs.ErrInvalidPGN)
	}

	pgnFunc, err := chess.PGN(strings.NewReader(pgn))
	if err != nil {
		return analysis.Game{}, fmt.Errorf("%w: %v", errs.ErrInvalidPGN, err)
	}
	game := chess.NewGame(pgnFunc)

	moves := game.Moves()
	positions := game.Positions()
	if len(moves) == 0 {
		return analysis.Game{}, errs.ErrEmptyGame
	}

	out := analysis.Game{PGN: pgn, Moves: make([]analysis.Move, 0, len(moves))}
	for i, m := range moves {
		pos := positions[i]
		out.Moves = append(out.Moves, analysis.Move{
			Notation: chess.AlgebraicNotation{}.Encode(pos, m),
			Side:     sideOf(pos.Turn()),
		})
	}
	return out, nil
}

// ReplayedGame is a move list played out on a board. Positions starts with
// the initial position, so it is one longer than SAN. SAN[i] is move i as
// the board writes it, with check and mate suffixes, whatever notation the
// caller used.
type ReplayedGame struct {
	Positions []analysis.PositionRecord
	SAN       []string
}

// Replay plays the moves from the standard starting position.
func Replay(moves []analysis.Move) (ReplayedGame, error) {
	if len(moves) == 0 {
		return ReplayedGame{}, errs.ErrEmptyGame
	}

	game := chess.NewGame()
	out := ReplayedGame{
		Positions: make([]analysis.PositionRecord, 0, len(moves)+1),
		SAN:       make([]string, 0, len(moves)),
	}
	out.Positions = append(out.Positions, positionRecord(game.Position(), 0))

	for i, mv := range moves {
		pos := game.Position()
		if mv.Side != "" && mv.Side != sideOf(pos.Turn()) {
			return ReplayedGame{}, fmt.Errorf("%w: ply %d %q played by %s out of turn", errs.ErrInvalidMove, i, mv.Notation, mv.Side)
		}

		m, err := decodeMove(game, mv.Notation)
		if err != nil {
			return ReplayedGame{}, fmt.Errorf("%w: ply %d %q: %v", errs.ErrInvalidMove, i, mv.Notation, err)
		}
		san := chess.AlgebraicNotation{}.Encode(pos, m)
		if err := game.Move(m); err != nil {
			return ReplayedGame{}, fmt.Errorf("%w: ply %d %q: %v", errs.ErrInvalidMove, i, mv.Notation, err)
		}

		out.SAN = append(out.SAN, san)
		out.Positions = append(out.Positions, positionRecord(game.Position(), i+1))
	}
	return out, nil
}

// decodeMove accepts SAN with or without check and annotation suffixes, and
// falls back to UCI coordinate notation. The result is always one of the
// position's legal moves.
func decodeMove(game *chess.Game, notation string) (*chess.Move, error) {
	pos := game.Position()
	want := stripSuffixes(notation)
	if want == "" {
		return nil, fmt.Errorf("empty notation")
	}

	valid := game.ValidMoves()
	for _, m := range valid {
		if stripSuffixes(chess.AlgebraicNotation{}.Encode(pos, m)) == want {
			return m, nil
		}
	}

	// decoded without a position: only squares and promotion are set
	coord, err := chess.UCINotation{}.Decode(nil, want)
	if err != nil {
		return nil, fmt.Errorf("no legal move matches")
	}
	for _, m := range valid {
		if m.S1() == coord.S1() && m.S2() == coord.S2() && m.Promo() == coord.Promo() {
			return m, nil
		}
	}
	return nil, fmt.Errorf("no legal move matches")
}

func stripSuffixes(s string) string {
	return strings.TrimRight(strings.TrimSpace(s), "+#!?")
}

func positionRecord(pos *chess.Position, ply int) analysis.PositionRecord {
	return analysis.PositionRecord{
		BoardState: pos.String(),
		PlyIndex:   ply,
		SideToMove: sideOf(pos.Turn()),
	}
}

func sideOf(c chess.Color) analysis.Side {
	if c == chess.Black {
		return analysis.SideBlack
	}
	return analysis.SideWhite
}

// GameHash identifies a game for caching and archiving: the SHA-256 of the
// trimmed PGN, or of the space-joined notations when there is no PGN.
func GameHash(game analysis.Game) string {
	src := strings.TrimSpace(game.PGN)
	if src == "" {
		notations := make([]string, len(game.Moves))
		for i, m := range game.Moves {
			notations[i] = m.Notation
		}
		src = strings.Join(notations, " ")
	}
	sum := sha256.Sum256([]byte(src))
	return hex.EncodeToString(sum[:])
}
