package exec

import (
	"fmt"

	"github.com/fatih/color"

	"github.com/stratusops/iamsync/pkg/converge"
)

var (
	headerColor  = color.New(color.Bold)
	createColor  = color.New(color.FgGreen)
	updateColor  = color.New(color.FgYellow)
	deleteColor  = color.New(color.FgRed)
	attachColor  = color.New(color.FgCyan)
	errorColor   = color.New(color.FgRed, color.Bold)
	noChangeText = color.New(color.Faint)
)

func changeColor(t converge.ChangeType) *color.Color {
	switch t {
	case converge.Create:
		return createColor
	case converge.Update:
		return updateColor
	case converge.Delete, converge.Detach:
		return deleteColor
	case converge.Attach:
		return attachColor
	}
	return noChangeText
}

// PrintSummary renders the per-template, per-account outcome of a run to
// stdout.
func PrintSummary(results []*converge.TemplateChangeDetails, mode converge.Mode) {
	changed, unchanged, failed := 0, 0, 0
	for _, result := range results {
		switch {
		case result.HasErrors():
			failed++
		case result.HasChanges():
			changed++
		default:
			unchanged++
		}

		if !result.HasChanges() && !result.HasErrors() {
			continue
		}
		headerColor.Printf("%s %s\n", result.TemplateType, result.Identifier)
		for _, acct := range result.Accounts {
			if !acct.HasChanges() && !acct.HasErrors() {
				continue
			}
			fmt.Printf("  account %s\n", acct.Account)
			for _, change := range acct.Changes {
				c := changeColor(change.Type)
				if change.Attribute != "" {
					c.Printf("    %s %s %s\n", change.Type, change.Attribute, change.ResourceID)
				} else {
					c.Printf("    %s %s\n", change.Type, change.ResourceID)
				}
				for _, delta := range change.Summary {
					fmt.Printf("      %s: %v -> %v\n", delta.Path, delta.Old, delta.New)
				}
			}
			for _, exception := range acct.ExceptionsSeen {
				errorColor.Printf("    ERROR %s\n", exception)
			}
		}
	}

	verb := "applied"
	if mode == converge.ModePlan {
		verb = "planned"
	}
	fmt.Println()
	headerColor.Printf("%d %s, ", changed, verb)
	noChangeText.Printf("%d unchanged", unchanged)
	if failed > 0 {
		fmt.Print(", ")
		errorColor.Printf("%d failed", failed)
	}
	fmt.Println()
}
