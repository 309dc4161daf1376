package output

import (
	"fmt"
	"io"
)

// Banner prints the tool name and version line.
func Banner(w io.Writer, version string, color bool) {
	name := paint(styleBold.Foreground(styleCyan.GetForeground()), "stagecraft", color)
	fmt.Fprintf(w, "\n    %s %s\n", name, paint(styleCyan, version, color))
}
