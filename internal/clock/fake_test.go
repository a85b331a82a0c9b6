package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFakeAfterFiresOnAdvance(t *testing.T) {
	fc := NewFake(time.Unix(0, 0))
	ch := fc.After(100 * time.Millisecond)

	select {
	case <-ch:
		t.Fatal("After channel fired before Advance")
	default:
	}

	fc.Advance(50 * time.Millisecond)
	select {
	case <-ch:
		t.Fatal("After channel fired too early")
	default:
	}

	fc.Advance(60 * time.Millisecond)
	select {
	case got := <-ch:
		assert.True(t, got.After(time.Unix(0, 0)))
	default:
		t.Fatal("After channel did not fire once its deadline passed")
	}
}

func TestFakeTickerFiresRepeatedlyAndCatchesUp(t *testing.T) {
	fc := NewFake(time.Unix(0, 0))
	ticker := fc.NewTicker(10 * time.Millisecond)

	fc.Advance(35 * time.Millisecond)

	count := 0
	for {
		select {
		case <-ticker.C():
			count++
			continue
		default:
		}
		break
	}
	assert.GreaterOrEqual(t, count, 1)

	// The missed 20ms and 30ms deadlines were skipped, so the next fire is
	// at 40ms rather than 20ms.
	fc.Advance(1 * time.Millisecond)
	select {
	case <-ticker.C():
		t.Fatal("ticker fired before its caught-up deadline")
	default:
	}
	fc.Advance(4 * time.Millisecond)
	select {
	case <-ticker.C():
	default:
		t.Fatal("ticker did not fire again at its next deadline")
	}
}

func TestFakeTickerStopSuppressesFutureFires(t *testing.T) {
	fc := NewFake(time.Unix(0, 0))
	ticker := fc.NewTicker(10 * time.Millisecond)
	ticker.Stop()

	fc.Advance(100 * time.Millisecond)
	select {
	case <-ticker.C():
		t.Fatal("stopped ticker must not fire")
	default:
	}
}

func TestFakeNowAdvances(t *testing.T) {
	start := time.Unix(0, 0)
	fc := NewFake(start)
	fc.Advance(5 * time.Second)
	assert.Equal(t, start.Add(5*time.Second), fc.Now())
}
