package tracewindow

import "github.com/charmbracelet/lipgloss"

var (
	textPrimaryColor = lipgloss.AdaptiveColor{Light: "#1F1F1F", Dark: "#CCCCCC"}
	textMutedColor   = lipgloss.AdaptiveColor{Light: "#7A7A7A", Dark: "#696969"}
	titleColor       = lipgloss.AdaptiveColor{Light: "#3A3A3A", Dark: "#C9C9C9"}
	borderColor      = lipgloss.AdaptiveColor{Light: "#B0B0B0", Dark: "#8C8C8C"}
	infoColor        = lipgloss.AdaptiveColor{Light: "#54A0FF", Dark: "#54A0FF"}
	warnColor        = lipgloss.AdaptiveColor{Light: "#FECA57", Dark: "#FECA57"}
	errorColor       = lipgloss.AdaptiveColor{Light: "#FF6B6B", Dark: "#FF8787"}
	aliveColor       = lipgloss.AdaptiveColor{Light: "#10B981", Dark: "#73F59F"}
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(titleColor).PaddingLeft(1)
	dividerStyle = lipgloss.NewStyle().Foreground(borderColor)
	hintStyle    = lipgloss.NewStyle().Foreground(textMutedColor)
	activeStyle  = lipgloss.NewStyle().Foreground(textPrimaryColor).Bold(true)
	emptyStyle   = lipgloss.NewStyle().Foreground(textMutedColor).Italic(true)
	holdsStyle   = lipgloss.NewStyle().Foreground(aliveColor).Bold(true)
	idleStyle    = lipgloss.NewStyle().Foreground(textMutedColor)
)
