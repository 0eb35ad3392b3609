package game

// defaultLayout returns the 20x20 wall grid. The center block forces play
// around the middle of the field; bases sit on open columns.
func defaultLayout() [][]int {
	layout := make([][]int, GridSize)
	for y := range layout {
		layout[y] = make([]int, GridSize)
	}
	for y := 4; y <= 15; y++ {
		layout[y][9] = 1
		layout[y][10] = 1
	}
	return layout
}
