package rfcomm

// SPPUUID is the Bluetooth SIG well-known Serial Port Profile UUID,
// carried over from the teacher's internal/connmgr.SPPUUID constant.
const SPPUUID = "00001101-0000-1000-8000-00805F9B34FB"

// DefaultChannel is the channel the server reports when it asked for
// auto-assignment and the bound socket still reads as channel 0.
const DefaultChannel = 1
