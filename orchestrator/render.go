package orchestrator

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/martinemde/capabot/callsyntax"
	"github.com/martinemde/capabot/capability"
	"github.com/martinemde/capabot/conversation"
)

// ResultPrefix opens every rendered capability result.
const ResultPrefix = "[capability] "

const (
	limitReachedText = "Capability call limit reached (%d calls). The call %s was not run. " +
		"Answer the user with the information gathered so far."
	budgetWarningText = "The conversation is close to its context budget. Do not invoke any more capabilities; " +
		"summarise what you have and give your final answer now."
	loopWarningText = "The last %d capability calls repeat the same pattern. " +
		"Stop repeating it: try a different approach or answer with what you have."
)

// RenderResult renders a dispatch outcome as the system turn the model reads
// next. The call expression and arguments are reproduced verbatim.
func RenderResult(call callsyntax.Call, res capability.Result, charLimit int) conversation.Turn {
	var b strings.Builder
	b.WriteString(ResultPrefix)
	b.WriteString(call.Expression())
	b.WriteString("\nargs: ")
	b.WriteString(renderArgs(call.Args()))
	b.WriteString("\n")

	if res.Err != nil {
		fmt.Fprintf(&b, "error (%s): %s", res.Err.Kind, TruncateResult(res.Err.Message(), charLimit))
	} else {
		b.WriteString("result: ")
		b.WriteString(TruncateResult(renderData(res.Data), charLimit))
	}
	if a := res.Attachment; a != nil {
		fmt.Fprintf(&b, "\nattachment: %s (%s, %d bytes)", a.Name, a.MediaType, len(a.Data))
	}

	turn := conversation.NewSystemTurn(b.String())
	if res.Attachment != nil {
		turn = turn.WithAttachment(res.Attachment)
	}
	return turn
}

func renderArgs(args []string) string {
	if args == nil {
		args = []string{}
	}
	data, err := json.Marshal(args)
	if err != nil {
		return fmt.Sprintf("%q", args)
	}
	return string(data)
}

func renderData(data any) string {
	switch v := data.(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	case fmt.Stringer:
		return v.String()
	case error:
		return v.Error()
	}
	out, err := json.Marshal(data)
	if err != nil {
		return fmt.Sprintf("%v", data)
	}
	return string(out)
}

func limitReachedTurn(max int, call callsyntax.Call) conversation.Turn {
	return conversation.NewSystemTurn(fmt.Sprintf(limitReachedText, max, call.Expression()))
}

func budgetWarningTurn() conversation.Turn {
	return conversation.NewSystemTurn(budgetWarningText)
}

func loopWarningTurn(window int) conversation.Turn {
	return conversation.NewSystemTurn(fmt.Sprintf(loopWarningText, window))
}
