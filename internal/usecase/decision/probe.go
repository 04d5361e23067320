package decision

import (
	"net/http"
	"strconv"
	"strings"
)

// ProbeMaxBytes — верхняя граница закрытого диапазона, который считается пробой.
const ProbeMaxBytes = 1 << 20

// RequestClass различает пробные запросы подкаст-клиентов и настоящие скачивания.
type RequestClass int

const (
	// ClassReal — настоящая попытка скачивания, может запускать обработку.
	ClassReal RequestClass = iota
	// ClassProbe — префетч или проверка URL, никогда не запускает обработку.
	ClassProbe
)

// Classify относит запрос к пробам или настоящим скачиваниям по методу и
// заголовку Range. Подкаст-клиенты опрашивают enclosure-URL при обновлении
// фида без намерения играть эпизод: HEAD и маленькие диапазоны с нуля —
// пробы. Всё неоднозначное (открытый диапазон, перемотка, multi-range,
// сломанный синтаксис) считается настоящим запросом: ошибочно посчитать
// скачивание пробой значит молча оставить слушателя без эпизода.
func Classify(method, rangeHeader string) RequestClass {
	if strings.EqualFold(method, http.MethodHead) {
		return ClassProbe
	}
	rangeHeader = strings.TrimSpace(rangeHeader)
	if rangeHeader == "" {
		return ClassReal
	}

	spec, ok := strings.CutPrefix(strings.ToLower(rangeHeader), "bytes=")
	if !ok {
		return ClassReal
	}
	if strings.Contains(spec, ",") {
		return ClassReal
	}
	startStr, endStr, ok := strings.Cut(spec, "-")
	if !ok {
		return ClassReal
	}
	start, err := strconv.ParseInt(strings.TrimSpace(startStr), 10, 64)
	if err != nil || start != 0 {
		return ClassReal
	}
	endStr = strings.TrimSpace(endStr)
	if endStr == "" {
		// bytes=0- — открытый диапазон, так качают целиком.
		return ClassReal
	}
	end, err := strconv.ParseInt(endStr, 10, 64)
	if err != nil || end >= ProbeMaxBytes {
		return ClassReal
	}
	return ClassProbe
}
