package accnt

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUtaddAccumulates(t *testing.T) {
	a := &Accnt_t{}
	a.Utadd(1_000_000_000) // 1 second
	a.Utadd(500_000_000)
	require.Equal(t, int64(1_500_000_000), a.Userns)
}

func TestFetchEncodesUserAndSysTimevals(t *testing.T) {
	a := &Accnt_t{}
	a.Utadd(2_500_000_000) // 2.5s user
	a.Systadd(1_000_000)   // 1ms sys

	buf := a.Fetch()
	require.Len(t, buf, 32)

	// fields are platform-native ints; this reads them as little-endian
	userSecs := int64(binary.LittleEndian.Uint64(buf[0:8]))
	userUsecs := int64(binary.LittleEndian.Uint64(buf[8:16]))
	sysUsecs := int64(binary.LittleEndian.Uint64(buf[24:32]))
	require.NotZero(t, buf[0])
	require.Equal(t, int64(2), userSecs)
	require.Equal(t, int64(500_000), userUsecs)
	require.Equal(t, int64(1_000), sysUsecs)
}
