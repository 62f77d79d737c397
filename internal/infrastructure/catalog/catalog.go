// Package catalog resolves human-readable trading symbols to the broker's
// instrument identity. It is loaded once at startup from the instrument
// master CSV the broker publishes daily.
package catalog

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/vikrant/options_trade_bot/internal/domain"
)

// Catalog holds the instrument master keyed by trading symbol. It is
// immutable after load, so lookups need no locking.
type Catalog struct {
	bySymbol map[string]*domain.Instrument
}

// Required header columns of the instrument master file.
const (
	colSecurityID = "SECURITY_ID"
	colSymbol     = "TRADING_SYMBOL"
	colUnderlying = "UNDERLYING"
	colExpiry     = "EXPIRY_DATE"
	colStrike     = "STRIKE_PRICE"
	colOptionType = "OPTION_TYPE"
	colLotSize    = "LOT_SIZE"
)

const expiryLayout = "2006-01-02"

// LoadCSV reads the instrument master file at path. Rows that are not CE
// or PE options are skipped; malformed rows fail the whole load because a
// partial catalog silently misroutes orders.
func LoadCSV(path string) (*Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open instrument master: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse reads instrument master CSV content from r.
func Parse(r io.Reader) (*Catalog, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read instrument master header: %w", err)
	}
	idx := make(map[string]int, len(header))
	for i, name := range header {
		idx[strings.ToUpper(strings.TrimSpace(name))] = i
	}
	for _, col := range []string{colSecurityID, colSymbol, colUnderlying, colExpiry, colStrike, colOptionType, colLotSize} {
		if _, ok := idx[col]; !ok {
			return nil, fmt.Errorf("instrument master missing column %s", col)
		}
	}

	c := &Catalog{bySymbol: make(map[string]*domain.Instrument)}
	line := 1
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("instrument master line %d: %w", line, err)
		}

		var optType domain.OptionType
		switch strings.ToUpper(rec[idx[colOptionType]]) {
		case "CE":
			optType = domain.OptionCE
		case "PE":
			optType = domain.OptionPE
		default:
			continue
		}

		strike, err := strconv.ParseFloat(rec[idx[colStrike]], 64)
		if err != nil {
			return nil, fmt.Errorf("instrument master line %d: strike %q: %w", line, rec[idx[colStrike]], err)
		}
		lotSize, err := strconv.Atoi(rec[idx[colLotSize]])
		if err != nil {
			return nil, fmt.Errorf("instrument master line %d: lot size %q: %w", line, rec[idx[colLotSize]], err)
		}
		expiry, err := time.Parse(expiryLayout, rec[idx[colExpiry]])
		if err != nil {
			return nil, fmt.Errorf("instrument master line %d: expiry %q: %w", line, rec[idx[colExpiry]], err)
		}

		symbol := strings.TrimSpace(rec[idx[colSymbol]])
		c.bySymbol[symbol] = &domain.Instrument{
			Symbol:     symbol,
			SecurityID: strings.TrimSpace(rec[idx[colSecurityID]]),
			Underlying: strings.TrimSpace(rec[idx[colUnderlying]]),
			Expiry:     expiry,
			Strike:     strike,
			Type:       optType,
			LotSize:    lotSize,
		}
	}
	return c, nil
}

// Lookup returns the instrument for a trading symbol.
func (c *Catalog) Lookup(symbol string) (*domain.Instrument, error) {
	inst, ok := c.bySymbol[symbol]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrSymbolNotFound, symbol)
	}
	return inst, nil
}

// Size reports how many option instruments were loaded.
func (c *Catalog) Size() int {
	return len(c.bySymbol)
}
