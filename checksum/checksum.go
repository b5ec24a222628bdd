// Package checksum содержит версионированную контрольную сумму набора изменений.
package checksum

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"io"
	"strconv"
	"strings"

	"github.com/juju/errors"
)

// CurrentVersion версия алгоритма, которой вычисляются новые контрольные суммы.
// Сохраненные суммы с другой версией считаются несовместимыми и пересчитываются.
const CurrentVersion = 9

// LegacyVersion версия сумм, сохраненных без префикса.
const LegacyVersion = 1

type CheckSum struct {
	Version int
	Hash    string
}

// Compute вычисляет контрольную сумму канонического представления набора изменений.
func Compute(content string) *CheckSum {
	return &CheckSum{
		Version: CurrentVersion,
		Hash:    md5Hex([]byte(normalize(content))),
	}
}

// ComputeReader вычисляет контрольную сумму по потоку, например по загруженному файлу данных.
func ComputeReader(r io.Reader) (*CheckSum, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Annotate(err, "reading checksum input")
	}
	return Compute(string(data)), nil
}

// Parse разбирает строку вида "<version>:<hash>". Для пустой строки возвращает nil.
func Parse(serialized string) *CheckSum {
	if serialized == "" {
		return nil
	}

	prefix, rest, found := strings.Cut(serialized, ":")
	if found {
		if version, err := strconv.Atoi(prefix); err == nil {
			return &CheckSum{Version: version, Hash: rest}
		}
	}

	return &CheckSum{Version: LegacyVersion, Hash: serialized}
}

func (c *CheckSum) String() string {
	if c == nil {
		return ""
	}
	return strconv.Itoa(c.Version) + ":" + c.Hash
}

func (c *CheckSum) Equal(other *CheckSum) bool {
	if c == nil || other == nil {
		return c == nil && other == nil
	}
	return c.Version == other.Version && c.Hash == other.Hash
}

// IsCurrent сообщает, вычислена ли сумма текущей версией алгоритма.
func (c *CheckSum) IsCurrent() bool {
	return c != nil && c.Version == CurrentVersion
}

func normalize(content string) string {
	b := bytes.ReplaceAll([]byte(content), []byte("\r\n"), []byte("\n"))
	b = bytes.ReplaceAll(b, []byte("\r"), []byte("\n"))
	return strings.TrimSpace(string(b))
}

func md5Hex(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}
