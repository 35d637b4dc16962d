package usbip_test

import (
	"bytes"
	"testing"

	"github.com/Alia5/VCOM/usbip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMgmtHeaderRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	in := usbip.MgmtHeader{Version: usbip.Version, Command: usbip.OpReqImport, Status: 1}
	require.NoError(t, in.Write(&buf))
	assert.Equal(t, 8, buf.Len())

	out, err := usbip.ReadMgmtHeader(&buf)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestReadBusID(t *testing.T) {
	var raw [32]byte
	copy(raw[:], "1-1")

	id, err := usbip.ReadBusID(bytes.NewReader(raw[:]))
	require.NoError(t, err)
	assert.Equal(t, "1-1", id)
}

func TestReadBusIDShortRead(t *testing.T) {
	_, err := usbip.ReadBusID(bytes.NewReader([]byte("1-1")))
	assert.Error(t, err)
}

func TestExportedDeviceWireSizes(t *testing.T) {
	dev := usbip.ExportedDevice{
		ExportMeta:     usbip.FillMeta("/sys/devices/usb/1-1", "1-1", 1, 1),
		Speed:          2,
		IDVendor:       0x1209,
		IDProduct:      0x0C01,
		BDeviceClass:   0x02,
		BNumInterfaces: 2,
		Interfaces: []usbip.InterfaceDesc{
			{Class: 0x02, SubClass: 0x02, Protocol: 0x01},
			{Class: 0x0A},
		},
	}

	var imp bytes.Buffer
	require.NoError(t, dev.WriteImport(&imp))
	assert.Equal(t, 312, imp.Len())

	var list bytes.Buffer
	require.NoError(t, dev.WriteDevlist(&list))
	assert.Equal(t, 312+2*4, list.Len())

	// The devlist entry is the import entry plus interface triplets.
	assert.Equal(t, imp.Bytes(), list.Bytes()[:312])
	assert.Equal(t, []byte{0x02, 0x02, 0x01, 0x00}, list.Bytes()[312:316])
}

func TestFillMeta(t *testing.T) {
	m := usbip.FillMeta("/sys/devices/usb/3-2", "3-2", 3, 2)
	assert.Equal(t, uint32(3), m.BusId)
	assert.Equal(t, uint32(2), m.DevId)
	assert.Equal(t, byte('3'), m.USBBusId[0])
	assert.Equal(t, byte(0), m.USBBusId[3])
}

func TestCmdSubmitRoundTrip(t *testing.T) {
	in := usbip.CmdSubmit{
		Basic: usbip.HeaderBasic{
			Command: usbip.CmdSubmitCode,
			Seqnum:  7,
			Devid:   3,
			Dir:     usbip.DirIn,
			Ep:      0,
		},
		TransferBufferLen: 64,
		Interval:          16,
		Setup:             [8]byte{0x80, 0x06, 0x00, 0x01, 0x00, 0x00, 0x12, 0x00},
	}

	var buf bytes.Buffer
	require.NoError(t, in.Write(&buf))
	assert.Equal(t, usbip.URBHeaderSize, buf.Len())

	msg, err := usbip.ReadURB(&buf)
	require.NoError(t, err)
	out, ok := msg.(*usbip.CmdSubmit)
	require.True(t, ok)
	assert.Equal(t, in, *out)
}

func TestRetSubmitRoundTrip(t *testing.T) {
	in := usbip.RetSubmit{
		Basic:        usbip.HeaderBasic{Command: usbip.RetSubmitCode, Seqnum: 9},
		Status:       usbip.StatusEPipe,
		ActualLength: 7,
	}

	var buf bytes.Buffer
	require.NoError(t, in.Write(&buf))

	msg, err := usbip.ReadURB(&buf)
	require.NoError(t, err)
	out, ok := msg.(*usbip.RetSubmit)
	require.True(t, ok)
	assert.Equal(t, in, *out)
	assert.Equal(t, int32(-32), out.Status)
}

func TestUnlinkRoundTrip(t *testing.T) {
	cmd := usbip.CmdUnlink{
		Basic:        usbip.HeaderBasic{Command: usbip.CmdUnlinkCode, Seqnum: 11},
		UnlinkSeqnum: 10,
	}
	var buf bytes.Buffer
	require.NoError(t, cmd.Write(&buf))

	msg, err := usbip.ReadURB(&buf)
	require.NoError(t, err)
	gotCmd, ok := msg.(*usbip.CmdUnlink)
	require.True(t, ok)
	assert.Equal(t, uint32(10), gotCmd.UnlinkSeqnum)

	ret := usbip.RetUnlink{
		Basic:  usbip.HeaderBasic{Command: usbip.RetUnlinkCode, Seqnum: 11},
		Status: -104,
	}
	buf.Reset()
	require.NoError(t, ret.Write(&buf))

	msg, err = usbip.ReadURB(&buf)
	require.NoError(t, err)
	gotRet, ok := msg.(*usbip.RetUnlink)
	require.True(t, ok)
	assert.Equal(t, int32(-104), gotRet.Status)
}

func TestReadURBUnknownCommand(t *testing.T) {
	buf := make([]byte, usbip.URBHeaderSize)
	buf[3] = 0x7F

	_, err := usbip.ReadURB(bytes.NewReader(buf))
	assert.ErrorContains(t, err, "unknown URB command")
}
