package repository

import (
	"strconv"
	"strings"

	"chess_lore/internal/domain/analysis"
)

type engineEventKind int

const (
	eventUnknown engineEventKind = iota
	eventReady
	eventInfo
	eventBestMove
)

// engineEvent is one parsed line of engine output.
type engineEvent struct {
	kind engineEventKind

	// ready
	ack string

	// info
	depth    int
	hasDepth bool
	cp       int
	hasCP    bool
	mate     int
	hasMate  bool

	// bestmove
	move string
}

func (e engineEvent) scored() bool {
	return e.hasCP || e.hasMate
}

// parseEngineLine turns a raw output line into an event. Lines that match no
// known shape come back as eventUnknown and are skipped by the caller.
func parseEngineLine(line string) engineEvent {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return engineEvent{}
	}

	switch fields[0] {
	case "uciok", "readyok":
		return engineEvent{kind: eventReady, ack: fields[0]}
	case "info":
		return parseInfo(fields[1:])
	case "bestmove":
		ev := engineEvent{kind: eventBestMove}
		if len(fields) > 1 {
			ev.move = fields[1]
		}
		return ev
	}
	return engineEvent{}
}

func parseInfo(fields []string) engineEvent {
	ev := engineEvent{kind: eventInfo}

	for i := 0; i < len(fields); i++ {
		switch fields[i] {
		case "depth":
			if i+1 < len(fields) {
				if d, err := strconv.Atoi(fields[i+1]); err == nil {
					ev.depth, ev.hasDepth = d, true
				}
				i++
			}
		case "score":
			if i+2 >= len(fields) {
				continue
			}
			v, err := strconv.Atoi(fields[i+2])
			if err != nil {
				continue
			}
			switch fields[i+1] {
			case "cp":
				ev.cp, ev.hasCP = v, true
			case "mate":
				ev.mate, ev.hasMate = v, true
			default:
				continue
			}
			i += 2
			// a trailing lowerbound/upperbound marker falls through the switch
		case "pv", "string":
			// the rest of the line is moves or free text
			return ev
		}
	}
	return ev
}

// sideToMove reads the active-colour field of a FEN string. Anything that is
// not "b" counts as White.
func sideToMove(fen string) analysis.Side {
	fields := strings.Fields(fen)
	if len(fields) > 1 && fields[1] == "b" {
		return analysis.SideBlack
	}
	return analysis.SideWhite
}

// absoluteEvaluation converts a side-to-move score from an info line into a
// White-positive evaluation.
func absoluteEvaluation(ev engineEvent, depth int, stm analysis.Side) analysis.EngineEvaluation {
	out := analysis.EngineEvaluation{Depth: depth}
	if ev.hasMate {
		m := ev.mate
		out.Mate = &m
		switch {
		case m > 0:
			out.Score = analysis.MateScore - m
		default:
			out.Score = -analysis.MateScore - m
		}
	} else {
		out.Score = ev.cp
	}
	if stm == analysis.SideBlack {
		return out.ForSide(analysis.SideBlack)
	}
	return out
}
