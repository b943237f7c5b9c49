package source

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func kline(openTime time.Time, closePx string) string {
	ms := openTime.UnixMilli()
	return fmt.Sprintf(`[%d,"1.0","2.0","0.5","%s","100.0",%d,"1000.0",10,"50.0","500.0","0"]`,
		ms, closePx, ms+86399999)
}

func TestBinanceSource_Fetch(t *testing.T) {
	t.Parallel()
	day := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v3/klines", r.URL.Path)
		q := r.URL.Query()
		assert.Equal(t, "1d", q.Get("interval"))
		switch q.Get("symbol") {
		case "BTCUSDT":
			rows := []string{kline(day, "42000.5"), kline(day.AddDate(0, 0, 1), "43000.25")}
			_, _ = w.Write([]byte("[" + strings.Join(rows, ",") + "]"))
		case "ETHUSDT":
			_, _ = w.Write([]byte("[" + kline(day, "2300") + "]"))
		default:
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"code":-1121,"msg":"Invalid symbol."}`))
		}
	}))
	defer srv.Close()

	src := NewBinanceSource("", "", srv.URL, nil)
	assert.Equal(t, "binance", src.Name())

	got, err := src.Fetch(context.Background(), []string{"ETHUSDT", "BTCUSDT", "NOPE"}, januaryPeriod(t))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, []float64{42000.5, 43000.25}, got["BTCUSDT"].Prices())
	first, _ := got["ETHUSDT"].Range()
	assert.Equal(t, day, first)

	_, err = src.Fetch(context.Background(), []string{"NOPE"}, januaryPeriod(t))
	assert.Error(t, err)

	_, err = src.Fetch(context.Background(), []string{"BTCUSDT"}, Period{})
	assert.ErrorIs(t, err, ErrInvalidPeriod)
}
