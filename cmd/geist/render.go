package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/geistlabs/geistai-sub001/internal/domain"
)

type theme struct {
	panel      lipgloss.Style
	title      lipgloss.Style
	ok         lipgloss.Style
	bad        lipgloss.Style
	muted      lipgloss.Style
	agent      lipgloss.Style
	citationNo lipgloss.Style
	offer      lipgloss.Style
}

func newTheme() theme {
	pink := lipgloss.Color("#ff71ce")
	blue := lipgloss.Color("#01cdfe")
	mint := lipgloss.Color("#05ffa1")
	muted := lipgloss.Color("#9ca3d8")

	return theme{
		panel: lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(blue).
			Padding(0, 1),
		title:      lipgloss.NewStyle().Foreground(mint).Bold(true),
		ok:         lipgloss.NewStyle().Foreground(mint).Bold(true),
		bad:        lipgloss.NewStyle().Foreground(pink).Bold(true),
		muted:      lipgloss.NewStyle().Foreground(muted),
		agent:      lipgloss.NewStyle().Foreground(blue).Bold(true),
		citationNo: lipgloss.NewStyle().Foreground(pink),
		offer: lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(pink).
			Padding(0, 1),
	}
}

func printMessage(cmd *cobra.Command, msg *domain.Message) error {
	asJSON, _ := cmd.Flags().GetBool("json")
	if asJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(msg)
	}
	_, err := fmt.Fprintln(cmd.OutOrStdout(), renderMessage(newTheme(), msg))
	return err
}

// renderMessage lays out a finalized message: status, content, agents, tool
// calls, citations, links and the negotiated offer, skipping empty sections.
func renderMessage(th theme, msg *domain.Message) string {
	var sections []string

	status := th.ok.Render(string(msg.Status))
	if msg.Status != domain.StatusComplete {
		status = th.bad.Render(string(msg.Status))
	}
	sections = append(sections, th.title.Render("assistant")+" "+status)

	if msg.Content != "" {
		sections = append(sections, msg.Content)
	}

	if len(msg.AgentConversations) > 0 {
		var b strings.Builder
		b.WriteString(th.title.Render("Agents"))
		for _, ac := range msg.AgentConversations {
			b.WriteString("\n")
			b.WriteString(th.agent.Render(ac.Agent))
			if ac.Task != "" {
				b.WriteString(th.muted.Render(" (" + ac.Task + ")"))
			}
			for _, m := range ac.Messages {
				if m.Content != "" {
					b.WriteString("\n  " + strings.ReplaceAll(m.Content, "\n", "\n  "))
				}
			}
		}
		sections = append(sections, b.String())
	}

	if len(msg.ToolCallEvents) > 0 {
		lines := []string{th.title.Render("Tools")}
		for _, tc := range msg.ToolCallEvents {
			line := fmt.Sprintf("%s %s", tc.ToolName, th.muted.Render("["+string(tc.Status)+"]"))
			if tc.Agent != "" {
				line += th.muted.Render(" via " + tc.Agent)
			}
			if tc.Error != "" {
				line += " " + th.bad.Render(tc.Error)
			}
			lines = append(lines, line)
		}
		sections = append(sections, strings.Join(lines, "\n"))
	}

	if len(msg.Citations) > 0 {
		lines := []string{th.title.Render("Citations")}
		for _, c := range msg.Citations {
			lines = append(lines, fmt.Sprintf("%s %s %s",
				th.citationNo.Render(fmt.Sprintf("[%d]", c.Number)), c.Source, th.muted.Render(c.URL)))
		}
		sections = append(sections, strings.Join(lines, "\n"))
	}

	if len(msg.CollectedLinks) > 0 {
		lines := []string{th.title.Render("Links")}
		for _, l := range msg.CollectedLinks {
			lines = append(lines, fmt.Sprintf("• %s %s %s", l.Title, th.muted.Render(l.URL), th.muted.Render("("+l.Agent+")")))
		}
		sections = append(sections, strings.Join(lines, "\n"))
	}

	out := th.panel.Render(strings.Join(sections, "\n\n"))

	if n := msg.Negotiation; n != nil {
		offer := fmt.Sprintf("%s %s at $%s\n%s",
			th.title.Render("Offer"), n.PackageID, n.FinalPrice.StringFixed(2), n.NegotiationSummary)
		out += "\n" + th.offer.Render(offer)
	}
	return out
}
