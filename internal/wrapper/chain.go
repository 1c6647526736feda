package wrapper

// Chain applies its transforms in order on Wrap, so the last one ends up
// closest to the wire, and in reverse order on Unwrap.
type Chain []Wrapper

func (c Chain) Wrap(b []byte) ([]byte, error) {
	var err error
	for _, w := range c {
		if b, err = w.Wrap(b); err != nil {
			return nil, err
		}
	}
	return b, nil
}

func (c Chain) Unwrap(b []byte) ([]byte, error) {
	var err error
	for i := len(c) - 1; i >= 0; i-- {
		b, err = c[i].Unwrap(b)
		if err != nil {
			return nil, err
		}
		if b == nil {
			return nil, nil
		}
	}
	return b, nil
}
