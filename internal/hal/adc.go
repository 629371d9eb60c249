package hal

import "fmt"

// Conversion words are 32 bits wide: the 12-bit result sits in bits 0-11
// and the source channel in bits 13-16.
const (
	wordDataMask     = 0x0FFF
	wordChannelShift = 13
	wordChannelMask  = 0x0F

	// ADCMaxCount is the largest raw conversion value.
	ADCMaxCount = wordDataMask
)

// DecodeWord splits a conversion word into its channel and raw value.
func DecodeWord(w uint32) (channel uint8, value uint16) {
	return uint8((w >> wordChannelShift) & wordChannelMask), uint16(w & wordDataMask)
}

// EncodeWord packs a channel and raw value into a conversion word.
func EncodeWord(channel uint8, value uint16) uint32 {
	return uint32(channel&wordChannelMask)<<wordChannelShift | uint32(value&wordDataMask)
}

// SampleSource delivers conversion words from a continuous converter.
// ReadWords must not block: when nothing is pending it returns 0, nil.
type SampleSource interface {
	ReadWords(dst []uint32) (int, error)
	Close() error
}

// ADC drains a SampleSource and keeps only the words of one channel.
type ADC struct {
	src     SampleSource
	channel uint8
	rate    float64

	scratch []uint32
	foreign uint64
}

func NewADC(src SampleSource, channel uint8, sampleRateHz float64) (*ADC, error) {
	if src == nil {
		return nil, fmt.Errorf("hal: adc source is nil")
	}
	if channel > wordChannelMask {
		return nil, fmt.Errorf("hal: adc channel %d out of range", channel)
	}
	if sampleRateHz <= 0 {
		return nil, fmt.Errorf("hal: invalid adc sample rate %v", sampleRateHz)
	}
	return &ADC{src: src, channel: channel, rate: sampleRateHz, scratch: make([]uint32, 256)}, nil
}

func (a *ADC) SampleRate() float64 { return a.rate }

// Foreign counts words dropped because they came from another channel.
func (a *ADC) Foreign() uint64 { return a.foreign }

// Drain copies pending raw counts of the configured channel into dst and
// returns how many were written. It stops when dst is full or the source
// has nothing more ready.
func (a *ADC) Drain(dst []float64) (int, error) {
	n := 0
	for n < len(dst) {
		want := len(dst) - n
		if want > len(a.scratch) {
			want = len(a.scratch)
		}
		got, err := a.src.ReadWords(a.scratch[:want])
		for _, w := range a.scratch[:got] {
			ch, v := DecodeWord(w)
			if ch != a.channel {
				a.foreign++
				continue
			}
			dst[n] = float64(v)
			n++
		}
		if err != nil {
			return n, fmt.Errorf("hal: adc read: %w", err)
		}
		if got < want {
			break
		}
	}
	return n, nil
}

func (a *ADC) Close() error {
	return a.src.Close()
}
