package pipeline

import "image"

// stackBlur blurs img in place with a stack blur of the given radius. Only the
// first channels bytes of each pixel are touched, so a 3-channel layout keeps
// its alpha untouched. It runs on the calling goroutine.
func stackBlur(img *image.NRGBA, radius, channels int) {
	if radius <= 0 {
		return
	}
	if channels != 3 {
		channels = 4
	}

	w, h := img.Rect.Dx(), img.Rect.Dy()
	if w == 0 || h == 0 {
		return
	}

	div := 2*radius + 1
	stack := make([]uint8, div*4)
	line := make([]uint8, max(w, h)*4)

	for y := 0; y < h; y++ {
		blurLine(img.Pix, y*img.Stride, 4, w, radius, channels, stack, line)
	}
	for x := 0; x < w; x++ {
		blurLine(img.Pix, x*4, img.Stride, h, radius, channels, stack, line)
	}
}

// blurLine blurs n pixels starting at pix[start], step bytes apart. line is
// scratch space holding the unmodified input.
func blurLine(pix []uint8, start, step, n, radius, channels int, stack, line []uint8) {
	for i := 0; i < n; i++ {
		copy(line[i*4:i*4+4], pix[start+i*step:start+i*step+4])
	}

	var sum, sumIn, sumOut [4]int
	div := 2*radius + 1
	weight := (radius + 1) * (radius + 1)
	last := n - 1

	for i := 0; i <= radius; i++ {
		for c := 0; c < channels; c++ {
			v := line[c]
			stack[i*4+c] = v
			sum[c] += int(v) * (i + 1)
			sumOut[c] += int(v)
		}
	}
	for i := 1; i <= radius; i++ {
		p := min(i, last) * 4
		for c := 0; c < channels; c++ {
			v := line[p+c]
			stack[(i+radius)*4+c] = v
			sum[c] += int(v) * (radius + 1 - i)
			sumIn[c] += int(v)
		}
	}

	sp := radius
	for x := 0; x < n; x++ {
		out := start + x*step
		for c := 0; c < channels; c++ {
			pix[out+c] = uint8(sum[c] / weight)
			sum[c] -= sumOut[c]
		}

		si := (sp + div - radius) % div
		p := min(x+radius+1, last) * 4
		for c := 0; c < channels; c++ {
			sumOut[c] -= int(stack[si*4+c])
			v := line[p+c]
			stack[si*4+c] = v
			sumIn[c] += int(v)
			sum[c] += sumIn[c]
		}

		sp = (sp + 1) % div
		for c := 0; c < channels; c++ {
			v := int(stack[sp*4+c])
			sumOut[c] += v
			sumIn[c] -= v
		}
	}
}
