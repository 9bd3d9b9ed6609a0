// Package progress renders human-readable training progress lines on stdout.
//
// It only handles presentation; the trainer decides when to print.
package progress

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

var (
	epochStyle = lipgloss.NewStyle().Bold(true)
	dimStyle   = lipgloss.NewStyle().Faint(true)
)

// TrainLine formats the periodic training progress line:
// epoch, batch position, average timings, current and running-average loss and IoU.
func TrainLine(epoch, batch, numBatches int, batchTimeAvg, dataTimeAvg, lossVal, lossAvg, iouVal, iouAvg float32) string {
	return fmt.Sprintf("%s\t%s\t%s\t%s",
		epochStyle.Render(fmt.Sprintf("Epoch: [%d][%d/%d]", epoch, batch, numBatches)),
		dimStyle.Render(fmt.Sprintf("Time: %.3f (io: %.3f)", batchTimeAvg, dataTimeAvg)),
		fmt.Sprintf("Loss: %.4f (%.4f)", lossVal, lossAvg),
		fmt.Sprintf("IoU: %.3f (%.3f)", iouVal, iouAvg))
}

// ValidLine formats the one-line cross-validation summary printed after a
// validation pass. Only averages are meaningful here.
func ValidLine(epoch int, lossAvg, iouAvg float32) string {
	return fmt.Sprintf("%s\t%s\t%s\t%s",
		epochStyle.Render(fmt.Sprintf("Epoch: [%d]", epoch)),
		dimStyle.Render("cross-validation"),
		fmt.Sprintf("Loss: N/A    (%.4f)", lossAvg),
		fmt.Sprintf("IoU: N/A   (%.3f)", iouAvg))
}

// Println prints the line truncated to the terminal width, so progress output never
// wraps and scrambles the log.
func Println(line string) {
	if width, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && width > 0 {
		if plain := lipgloss.Width(line); plain > width {
			// Too wide for styling games: fall back to cutting the raw runes.
			runes := []rune(strings.ReplaceAll(line, "\t", " "))
			if len(runes) > width {
				runes = runes[:width]
			}
			fmt.Println(string(runes))
			return
		}
	}
	fmt.Println(line)
}
