package consolidation

import "math"

// #region summary
// sample summarizes one group of rewards.
type sample struct {
	n    int
	mean float64
	vari float64 // unbiased
}

func summarize(xs []float64) sample {
	s := sample{n: len(xs)}
	if s.n == 0 {
		return s
	}
	for _, x := range xs {
		s.mean += x
	}
	s.mean /= float64(s.n)
	if s.n > 1 {
		for _, x := range xs {
			d := x - s.mean
			s.vari += d * d
		}
		s.vari /= float64(s.n - 1)
	}
	return s
}

// #endregion summary

// #region welch
// welch runs Welch's unequal-variance t-test of a against b and returns the
// t statistic, the two-sided p-value and Cohen's d (positive when a > b).
func welch(a, b sample) (t, p, d float64) {
	if a.n < 2 || b.n < 2 {
		return 0, 1, 0
	}
	diff := a.mean - b.mean
	va, vb := a.vari/float64(a.n), b.vari/float64(b.n)
	se2 := va + vb
	pooled := math.Sqrt((a.vari + b.vari) / 2)

	if se2 == 0 {
		if diff == 0 {
			return 0, 1, 0
		}
		inf := math.Inf(1)
		if diff < 0 {
			inf = math.Inf(-1)
		}
		return inf, 0, inf
	}
	t = diff / math.Sqrt(se2)
	df := se2 * se2 / (va*va/float64(a.n-1) + vb*vb/float64(b.n-1))
	p = studentTwoSided(t, df)
	if pooled > 0 {
		d = diff / pooled
	} else {
		d = math.Copysign(math.Inf(1), diff)
	}
	return t, p, d
}

// studentTwoSided is P(|T| >= |t|) for Student's t with df degrees of freedom.
func studentTwoSided(t, df float64) float64 {
	x := df / (df + t*t)
	return regIncBeta(df/2, 0.5, x)
}

// #endregion welch

// #region beta
// regIncBeta is the regularized incomplete beta function I_x(a, b).
func regIncBeta(a, b, x float64) float64 {
	switch {
	case x <= 0:
		return 0
	case x >= 1:
		return 1
	}
	la, _ := math.Lgamma(a)
	lb, _ := math.Lgamma(b)
	lab, _ := math.Lgamma(a + b)
	front := math.Exp(lab - la - lb + a*math.Log(x) + b*math.Log(1-x))
	if x < (a+1)/(a+b+2) {
		return front * betaCF(a, b, x) / a
	}
	return 1 - front*betaCF(b, a, 1-x)/b
}

// betaCF evaluates the continued fraction for the incomplete beta function
// with the modified Lentz method.
func betaCF(a, b, x float64) float64 {
	const (
		maxIter = 300
		eps     = 1e-14
		tiny    = 1e-300
	)
	qab, qap, qam := a+b, a+1, a-1
	c, d := 1.0, 1-qab*x/qap
	if math.Abs(d) < tiny {
		d = tiny
	}
	d = 1 / d
	h := d
	for m := 1; m <= maxIter; m++ {
		fm := float64(m)
		m2 := 2 * fm
		aa := fm * (b - fm) * x / ((qam + m2) * (a + m2))
		d = 1 + aa*d
		if math.Abs(d) < tiny {
			d = tiny
		}
		c = 1 + aa/c
		if math.Abs(c) < tiny {
			c = tiny
		}
		d = 1 / d
		h *= d * c

		aa = -(a + fm) * (qab + fm) * x / ((a + m2) * (qap + m2))
		d = 1 + aa*d
		if math.Abs(d) < tiny {
			d = tiny
		}
		c = 1 + aa/c
		if math.Abs(c) < tiny {
			c = tiny
		}
		d = 1 / d
		del := d * c
		h *= del
		if math.Abs(del-1) < eps {
			break
		}
	}
	return h
}

// #endregion beta
