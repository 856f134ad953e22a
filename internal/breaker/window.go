package breaker

import "time"

// rollingWindow は一定期間の成功・失敗数をバケット単位で集計する。
// 呼び出し側でロックを保持すること。
type rollingWindow struct {
	// width は1バケットが表す期間。
	width time.Duration
	// buckets はリングバッファ。
	buckets []windowBucket
}

// windowBucket は1区間の集計値。
type windowBucket struct {
	// slot は区間の通し番号（時刻 / width）。
	slot     int64
	success  int
	failures int
}

// newRollingWindow はwindowをn個のバケットに分割したローリングウィンドウを生成する。
func newRollingWindow(window time.Duration, n int) *rollingWindow {
	width := window / time.Duration(n)
	if width <= 0 {
		width = time.Millisecond
	}
	return &rollingWindow{
		width:   width,
		buckets: make([]windowBucket, n),
	}
}

func (w *rollingWindow) slotOf(now time.Time) int64 {
	return now.UnixNano() / int64(w.width)
}

// add は結果を現在のバケットに加算する。
func (w *rollingWindow) add(now time.Time, failure bool) {
	slot := w.slotOf(now)
	b := &w.buckets[slot%int64(len(w.buckets))]
	if b.slot != slot {
		*b = windowBucket{slot: slot}
	}
	if failure {
		b.failures++
	} else {
		b.success++
	}
}

// totals はウィンドウ内の呼び出し数と失敗数を返す。
func (w *rollingWindow) totals(now time.Time) (requests, failures int) {
	current := w.slotOf(now)
	oldest := current - int64(len(w.buckets)) + 1
	for _, b := range w.buckets {
		if b.slot < oldest || b.slot > current {
			continue
		}
		requests += b.success + b.failures
		failures += b.failures
	}
	return requests, failures
}

// reset は全バケットを破棄する。
func (w *rollingWindow) reset() {
	for i := range w.buckets {
		w.buckets[i] = windowBucket{}
	}
}
