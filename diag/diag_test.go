package diag

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coprocfleet/micctrl/log"
)

func TestAppendAndCounts(t *testing.T) {
	l := New(log.NewDiscard())
	l.Errorf("mic0", "boom %d", 1)
	l.Warnf("mic0", "careful")
	l.Infof("", "host wide note")

	require.Len(t, l.Items(), 3)
	require.True(t, l.HasErrors())
	require.Equal(t, 1, l.FailureCount())

	c := l.Counts()
	require.Equal(t, 1, c.Error)
	require.Equal(t, 1, c.Warning)
	require.Equal(t, 1, c.Info)

	l.Clear()
	require.Empty(t, l.Items())
	require.False(t, l.HasErrors())
	// counters survive Clear
	c2 := l.Counts()
	require.Equal(t, c, c2)
}

func TestDiagnosticString(t *testing.T) {
	d := Diagnostic{Severity: Error, Device: "mic1", Message: "boom"}
	require.Equal(t, "ERROR[mic1]: boom", d.String())

	d2 := Diagnostic{Severity: Info, Message: "host note"}
	require.Equal(t, "INFO: host note", d2.String())
}
