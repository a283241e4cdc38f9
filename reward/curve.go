package reward

import "math"

// maxLevel caps curve walks.
const maxLevel = 10000

// Curve is the XP level curve. Moving from level L to L+1 costs
// floor(Base * L^Exponent) XP. Levels start at 1.
type Curve struct {
	Base     float64
	Exponent float64
}

// DefaultCurve is the 100 * L^1.8 curve.
var DefaultCurve = Curve{Base: 100, Exponent: 1.8}

func (c Curve) normalized() Curve {
	if c.Base <= 0 {
		c.Base = DefaultCurve.Base
	}
	if c.Exponent <= 0 {
		c.Exponent = DefaultCurve.Exponent
	}
	return c
}

// XPToNext returns the XP needed to go from level to level+1.
func (c Curve) XPToNext(level int) int64 {
	c = c.normalized()
	if level < 1 {
		level = 1
	}
	return int64(math.Floor(c.Base * math.Pow(float64(level), c.Exponent)))
}

// XPForLevel returns the lifetime XP at which level is reached.
func (c Curve) XPForLevel(level int) int64 {
	var total int64
	for l := 1; l < level && l < maxLevel; l++ {
		total += c.XPToNext(l)
	}
	return total
}

// LevelForXP returns the level reached with the given lifetime XP.
func (c Curve) LevelForXP(xp int64) int {
	level := 1
	var spent int64
	for level < maxLevel {
		next := c.XPToNext(level)
		if xp < spent+next {
			break
		}
		spent += next
		level++
	}
	return level
}

// Progress returns the XP earned inside the current level and the XP the
// current level requires in total.
func (c Curve) Progress(xp int64) (into, needed int64) {
	level := c.LevelForXP(xp)
	return xp - c.XPForLevel(level), c.XPToNext(level)
}
