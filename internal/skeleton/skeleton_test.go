package skeleton

import "testing"

func chain(n int) []Bone {
	bones := make([]Bone, n)
	for i := range bones {
		bones[i] = Bone{Name: "b", Parent: i - 1}
	}
	return bones
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		desc    Descriptor
		wantErr bool
	}{
		{
			name: "valid chain",
			desc: Descriptor{Bones: chain(3)},
		},
		{
			name:    "empty skeleton",
			desc:    Descriptor{},
			wantErr: true,
		},
		{
			name: "root with parent",
			desc: Descriptor{Bones: []Bone{
				{Name: "root", Parent: 0},
			}},
			wantErr: true,
		},
		{
			name: "parent after child",
			desc: Descriptor{Bones: []Bone{
				{Name: "root", Parent: -1},
				{Name: "a", Parent: 2},
				{Name: "b", Parent: 0},
			}},
			wantErr: true,
		},
		{
			name: "empty bone name",
			desc: Descriptor{Bones: []Bone{
				{Name: "", Parent: -1},
			}},
			wantErr: true,
		},
		{
			name: "bind pose size mismatch",
			desc: Descriptor{
				Bones: chain(3),
				BindPose: &BindPose{
					Positions: make([][3]float32, 2),
				},
			},
			wantErr: true,
		},
		{
			name: "bind pose matching",
			desc: Descriptor{
				Bones: chain(2),
				BindPose: &BindPose{
					Positions: make([][3]float32, 2),
					Rotations: make([][4]float32, 2),
				},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.desc.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestFrameBytes(t *testing.T) {
	d := Descriptor{Bones: chain(24)}
	if got := d.FrameBytes(); got != 24*64 {
		t.Errorf("FrameBytes() = %d, want %d", got, 24*64)
	}
	if got := d.NumBones(); got != 24 {
		t.Errorf("NumBones() = %d, want 24", got)
	}
}
