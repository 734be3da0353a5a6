package poller

import "strconv"

// GridCellSize is the edge length of one map grid cell in world units.
const GridCellSize = 150.0

// Grid converts world coordinates to a map grid reference such as "C2".
// Columns run A..Z, AA.. from the west edge; rows count from 1 at the top
// (north) edge. A zero world size yields "unknown" and coordinates outside
// the map yield "off-map".
func Grid(x, y, worldSize float64) string {
	if worldSize <= 0 {
		return "unknown"
	}
	if x < 0 || y < 0 || x > worldSize || y > worldSize {
		return "off-map"
	}
	col := int(x / GridCellSize)
	row := int((worldSize-y)/GridCellSize) + 1
	return columnLabel(col) + strconv.Itoa(row)
}

func columnLabel(i int) string {
	var b []byte
	for i >= 0 {
		b = append([]byte{byte('A' + i%26)}, b...)
		i = i/26 - 1
	}
	return string(b)
}
