package order

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/theplant/luhn"

	"github.com/iurnickita/resumepay/internal/model"
)

// Номер заказа для платежной системы: префикс вида заказа,
// 13 цифр времени (мс), 5 случайных цифр и контрольная цифра Луна
var refPrefix = map[model.OrderKind]string{
	model.OrderKindDirect:      "PDF",
	model.OrderKindOwnerShare:  "SHO",
	model.OrderKindViewerShare: "SHV",
}

const (
	refPrefixLen = 3
	refDigits    = 19
)

func NewMerchantRef(kind model.OrderKind, now time.Time) (string, error) {
	prefix, ok := refPrefix[kind]
	if !ok {
		return "", fmt.Errorf("unknown order kind %q", kind)
	}
	random, err := rand.Int(rand.Reader, big.NewInt(100000))
	if err != nil {
		return "", err
	}
	number := int(now.UnixMilli()%1e13)*100000 + int(random.Int64())
	return fmt.Sprintf("%s%018d%d", prefix, number, luhn.CalculateLuhn(number)), nil
}

// ValidMerchantRef проверяет формат и контрольную цифру без обращения к хранилищу
func ValidMerchantRef(ref string) bool {
	if len(ref) != refPrefixLen+refDigits {
		return false
	}
	known := false
	for _, prefix := range refPrefix {
		if ref[:refPrefixLen] == prefix {
			known = true
			break
		}
	}
	if !known {
		return false
	}
	digits := ref[refPrefixLen:]
	for _, c := range digits {
		if c < '0' || c > '9' {
			return false
		}
	}
	number, err := strconv.Atoi(digits)
	if err != nil {
		return false
	}
	return luhn.Valid(number)
}
